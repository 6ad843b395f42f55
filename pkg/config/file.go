package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meterkit/flowd/pkg/meter"
	"github.com/meterkit/flowd/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Sensor:         ptr.To("fs400a"),
		TickIntervalMs: ptr.To(1000),
		Source:         ptr.To(SourceGPIO),
		GPIOChip:       ptr.To("gpiochip0"),
		GPIOLine:       ptr.To(17),
		// Hall-effect sensors produce clean edges; debouncing is only
		// needed for reed-switch meters, so it defaults to off.
		GPIODebounceUs:       ptr.To(0),
		SerialPort:           ptr.To("/dev/ttyUSB0"),
		SerialBaud:           ptr.To(115200),
		SimFlowrate:          ptr.To(30.0),
		SimSweepMax:          ptr.To(0.0),
		SimSweepPeriodMs:     ptr.To(60_000),
		Schedule:             ptr.To(""),
		ScheduleResetsTotals: ptr.To(false),
		AllowNonRootAccess:   ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = defaultFileConfig
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// RawFileConfig is the on-disk shape: every field optional, absent fields
// fall back to package defaults. Capacity, KFactor and MeterFactor override
// the named Sensor profile when present; MeterFactor is only honored with
// exactly one entry per decile.
type RawFileConfig struct {
	Sensor               *string    `json:"sensor,omitempty"`
	Capacity             *float64   `json:"capacity,omitempty"`
	KFactor              *float64   `json:"kFactor,omitempty"`
	MeterFactor          *[]float64 `json:"meterFactor,omitempty"`
	TickIntervalMs       *int       `json:"tickIntervalMs,omitempty"`
	Source               *string    `json:"source,omitempty"`
	GPIOChip             *string    `json:"gpioChip,omitempty"`
	GPIOLine             *int       `json:"gpioLine,omitempty"`
	GPIODebounceUs       *int       `json:"gpioDebounceUs,omitempty"`
	SerialPort           *string    `json:"serialPort,omitempty"`
	SerialBaud           *int       `json:"serialBaud,omitempty"`
	SimFlowrate          *float64   `json:"simFlowrate,omitempty"`
	SimSweepMax          *float64   `json:"simSweepMax,omitempty"`
	SimSweepPeriodMs     *int       `json:"simSweepPeriodMs,omitempty"`
	Schedule             *string    `json:"schedule,omitempty"`
	ScheduleResetsTotals *bool      `json:"scheduleResetsTotals,omitempty"`
	AllowNonRootAccess   *bool      `json:"allowNonRootAccess,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	props := c.Sensor()
	src := c.Source()
	rawConfig := &RawFileConfig{
		Sensor:               ptr.To(c.SensorName()),
		Capacity:             ptr.To(props.Capacity),
		KFactor:              ptr.To(props.KFactor),
		MeterFactor:          ptr.To(append([]float64{}, props.MeterFactor[:]...)),
		TickIntervalMs:       ptr.To(int(c.TickInterval() / time.Millisecond)),
		Source:               ptr.To(src.Type),
		GPIOChip:             ptr.To(src.GPIOChip),
		GPIOLine:             ptr.To(src.GPIOLine),
		GPIODebounceUs:       ptr.To(int(src.GPIODebounce / time.Microsecond)),
		SerialPort:           ptr.To(src.SerialPort),
		SerialBaud:           ptr.To(src.SerialBaud),
		SimFlowrate:          ptr.To(src.SimFlowrate),
		SimSweepMax:          ptr.To(src.SimSweepMax),
		SimSweepPeriodMs:     ptr.To(int(src.SimSweepPeriod / time.Millisecond)),
		Schedule:             ptr.To(c.Schedule()),
		ScheduleResetsTotals: ptr.To(c.ScheduleResetsTotals()),
		AllowNonRootAccess:   ptr.To(c.AllowNonRootAccess()),
	}

	return rawConfig, nil
}

func (f *File) SensorName() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var name string

	if f.c.Sensor != nil {
		name = *f.c.Sensor
	} else {
		name = *defaultFileConfig.Sensor
	}

	return name
}

// Sensor resolves the effective sensor profile: the named reference profile
// as the base, with any explicit capacity/k-factor/meter-factor overrides
// applied on top. An unknown name falls back to the default sensor, so a
// hand-edited config cannot leave the daemon without a profile.
func (f *File) Sensor() meter.SensorProperties {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	name := *defaultFileConfig.Sensor
	if f.c.Sensor != nil {
		name = *f.c.Sensor
	}

	props, ok := meter.SensorByName(name)
	if !ok {
		props, _ = meter.SensorByName(*defaultFileConfig.Sensor)
	}

	if f.c.Capacity != nil {
		props.Capacity = *f.c.Capacity
	}
	if f.c.KFactor != nil {
		props.KFactor = *f.c.KFactor
	}
	if f.c.MeterFactor != nil && len(*f.c.MeterFactor) == meter.NumDeciles {
		copy(props.MeterFactor[:], *f.c.MeterFactor)
	}

	return props
}

func (f *File) TickInterval() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	ms := *defaultFileConfig.TickIntervalMs
	if f.c.TickIntervalMs != nil && *f.c.TickIntervalMs > 0 {
		ms = *f.c.TickIntervalMs
	}

	return time.Duration(ms) * time.Millisecond
}

func (f *File) Source() SourceSpec {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	spec := SourceSpec{
		Type:           *defaultFileConfig.Source,
		GPIOChip:       *defaultFileConfig.GPIOChip,
		GPIOLine:       *defaultFileConfig.GPIOLine,
		GPIODebounce:   time.Duration(*defaultFileConfig.GPIODebounceUs) * time.Microsecond,
		SerialPort:     *defaultFileConfig.SerialPort,
		SerialBaud:     *defaultFileConfig.SerialBaud,
		SimFlowrate:    *defaultFileConfig.SimFlowrate,
		SimSweepMax:    *defaultFileConfig.SimSweepMax,
		SimSweepPeriod: time.Duration(*defaultFileConfig.SimSweepPeriodMs) * time.Millisecond,
	}

	if f.c.Source != nil {
		spec.Type = strings.ToLower(*f.c.Source)
	}
	if f.c.GPIOChip != nil {
		spec.GPIOChip = *f.c.GPIOChip
	}
	if f.c.GPIOLine != nil {
		spec.GPIOLine = *f.c.GPIOLine
	}
	if f.c.GPIODebounceUs != nil {
		spec.GPIODebounce = time.Duration(*f.c.GPIODebounceUs) * time.Microsecond
	}
	if f.c.SerialPort != nil {
		spec.SerialPort = *f.c.SerialPort
	}
	if f.c.SerialBaud != nil {
		spec.SerialBaud = *f.c.SerialBaud
	}
	if f.c.SimFlowrate != nil {
		spec.SimFlowrate = *f.c.SimFlowrate
	}
	if f.c.SimSweepMax != nil {
		spec.SimSweepMax = *f.c.SimSweepMax
	}
	if f.c.SimSweepPeriodMs != nil {
		spec.SimSweepPeriod = time.Duration(*f.c.SimSweepPeriodMs) * time.Millisecond
	}

	return spec
}

func (f *File) Schedule() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var schedule string

	if f.c.Schedule != nil {
		schedule = *f.c.Schedule
	} else {
		schedule = *defaultFileConfig.Schedule
	}

	return schedule
}

func (f *File) ScheduleResetsTotals() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var resets bool

	if f.c.ScheduleResetsTotals != nil {
		resets = *f.c.ScheduleResetsTotals
	} else {
		resets = *defaultFileConfig.ScheduleResetsTotals
	}

	return resets
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var allowNonRootAccess bool

	if f.c.AllowNonRootAccess != nil {
		allowNonRootAccess = *f.c.AllowNonRootAccess
	} else {
		allowNonRootAccess = *defaultFileConfig.AllowNonRootAccess
	}

	return allowNonRootAccess
}

// SetSensorName selects a named reference profile and drops any explicit
// overrides: picking a sensor means trusting its datasheet until the next
// calibration.
func (f *File) SetSensorName(name string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Sensor = &name
	f.c.Capacity = nil
	f.c.KFactor = nil
	f.c.MeterFactor = nil
}

// SetSensorProperties stores a full explicit profile. The sensor name is
// set to "custom"; every field of props shadows the base profile.
func (f *File) SetSensorProperties(props meter.SensorProperties) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Sensor = ptr.To("custom")
	f.c.Capacity = ptr.To(props.Capacity)
	f.c.KFactor = ptr.To(props.KFactor)
	f.c.MeterFactor = ptr.To(append([]float64{}, props.MeterFactor[:]...))
}

func (f *File) SetTickInterval(d time.Duration) {
	if f.c == nil {
		panic("config is nil")
	}

	if d <= 0 {
		panic("tick interval must be positive")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.TickIntervalMs = ptr.To(int(d / time.Millisecond))
}

func (f *File) SetSchedule(spec string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Schedule = &spec
}

func (f *File) SetScheduleResetsTotals(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.ScheduleResetsTotals = &b
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}
	configString := string(b)

	if strings.TrimSpace(configString) == "" {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	src := f.Source()
	return logrus.Fields{
		"sensor":               f.SensorName(),
		"kFactor":              f.Sensor().KFactor,
		"capacity":             f.Sensor().Capacity,
		"tickInterval":         f.TickInterval().String(),
		"source":               src.Type,
		"schedule":             f.Schedule(),
		"scheduleResetsTotals": f.ScheduleResetsTotals(),
		"allowNonRootAccess":   f.AllowNonRootAccess(),
	}
}
