// Package source provides the pulse inputs a meter can be fed from: a GPIO
// line on the machine running the daemon, an MCU pulse counter bridged over
// USB serial, or a simulator for development without hardware.
package source

// PulseFunc receives pulse counts from a source. Implementations call it
// from their own goroutine at up to hardware pulse frequency, so it must be
// non-blocking; n is the number of new pulses (1 for edge-triggered
// sources, possibly more for bridges that batch counts).
type PulseFunc func(n uint64)

// Source is a stream of sensor pulses.
type Source interface {
	// Open starts delivering pulses to onPulse until Close is called.
	Open(onPulse PulseFunc) error
	// Close stops pulse delivery and releases the underlying input.
	Close() error
	// Description identifies the input for logs and reporting, e.g.
	// "gpiochip0:17" or "serial:/dev/ttyUSB0".
	Description() string
}

var (
	_ Source = (*Serial)(nil)
	_ Source = (*Sim)(nil)
	_ Source = (*GPIO)(nil)
)
