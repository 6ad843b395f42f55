package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meterkit/flowd/pkg/meter"
)

// Pulse source types understood by the daemon.
const (
	SourceGPIO   = "gpio"
	SourceSerial = "serial"
	SourceSim    = "sim"
)

// SourceSpec describes where sensor pulses come from. Only the fields of
// the selected Type are meaningful.
type SourceSpec struct {
	Type         string
	GPIOChip     string
	GPIOLine     int
	GPIODebounce time.Duration
	SerialPort   string
	SerialBaud   int
	SimFlowrate  float64
	// SimSweepMax above SimFlowrate makes the simulator sweep between the
	// two rates instead of holding steady; SimSweepPeriod is one full
	// cycle.
	SimSweepMax    float64
	SimSweepPeriod time.Duration
}

type Config interface {
	SensorName() string
	Sensor() meter.SensorProperties
	TickInterval() time.Duration
	Source() SourceSpec
	Schedule() string
	ScheduleResetsTotals() bool
	AllowNonRootAccess() bool

	SetSensorName(string)
	SetSensorProperties(meter.SensorProperties)
	SetTickInterval(time.Duration)
	SetSchedule(string)
	SetScheduleResetsTotals(bool)
	SetAllowNonRootAccess(bool)

	// LogrusFields returns the fields to log.
	LogrusFields() logrus.Fields

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
