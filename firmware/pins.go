//go:build tinygo

package main

import "machine"

const (
	// Reporting configuration
	REPORT_INTERVAL_MS = 200 // Pulse delta report interval in milliseconds

	// Pulse input pin. GP2 on the Pico; any interrupt-capable pin works.
	PIN_PULSE = machine.GP2

	// Onboard LED, toggled once per report as a heartbeat.
	PIN_LED = machine.LED

	// Serial configuration
	// Baud rate calculation: Format "P <delta>\n"
	// Example: "P 65535\n" = ~9 bytes max per line
	// 5 reports/sec * 9 bytes/line = 45 bytes/sec
	// UART 8N1: 10 bits/byte = 450 baud minimum. 115200 is vastly more than
	// needed, but it matches the daemon's default and flashes faster.
	UART_BAUD_RATE = 115200
)
