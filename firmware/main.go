//go:build tinygo

//go:generate tinygo flash -target=pico

// Pulse-counting firmware for flowd's serial source. The MCU counts sensor
// edges in hardware interrupt context and reports the delta since the last
// report, one line per report:
//
//	P <delta>
//
// Lines starting with '#' are status chatter; the daemon ignores them.
// Counting on the MCU keeps edge timing off the host, so the daemon can
// restart (or stall) without losing pulses for up to one report interval.
package main

import (
	"machine"
	"sync/atomic"
	"time"
)

var (
	uart = machine.UART0

	// Edges seen since the last report. Written from the pin interrupt,
	// swapped out by the main loop.
	pulseCount uint32

	ledState bool
)

func main() {
	PIN_LED.Configure(machine.PinConfig{Mode: machine.PinOutput})

	// The open-collector output of a hall sensor idles high through the
	// pullup and snaps low on each vane passing.
	PIN_PULSE.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	err := PIN_PULSE.SetInterrupt(machine.PinFalling, onPulse)
	if err != nil {
		for {
			print("# failed to attach pulse interrupt\n")
			time.Sleep(time.Second)
		}
	}

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	print("# flowd pulse counter ready\n")

	lastReport := time.Now()

	for {
		now := time.Now()

		if now.Sub(lastReport) >= time.Duration(REPORT_INTERVAL_MS)*time.Millisecond {
			reportPulses()
			lastReport = now
		}

		// Small delay to prevent a tight loop; edge capture happens in the
		// interrupt, so loop jitter only affects report timing.
		time.Sleep(time.Millisecond)
	}
}

func onPulse(_ machine.Pin) {
	atomic.AddUint32(&pulseCount, 1)
}

func reportPulses() {
	delta := atomic.SwapUint32(&pulseCount, 0)

	// Output format: "P <delta>\n". Example: "P 42\n"
	print("P ")
	print(delta)
	print("\n")

	// Heartbeat so a headless install shows life even at zero flow.
	ledState = !ledState
	if ledState {
		PIN_LED.High()
	} else {
		PIN_LED.Low()
	}
}
