package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterkit/flowd/pkg/meter"
)

func TestDefaults(t *testing.T) {
	f := NewFileFromConfig(nil, filepath.Join(t.TempDir(), "config.json"))

	assert.Equal(t, "fs400a", f.SensorName())
	assert.Equal(t, meter.FS400A(), f.Sensor())
	assert.Equal(t, time.Second, f.TickInterval())
	assert.Equal(t, "", f.Schedule())
	assert.False(t, f.ScheduleResetsTotals())
	assert.False(t, f.AllowNonRootAccess())

	src := f.Source()
	assert.Equal(t, SourceGPIO, src.Type)
	assert.Equal(t, "gpiochip0", src.GPIOChip)
	assert.Equal(t, 17, src.GPIOLine)
	assert.Equal(t, time.Duration(0), src.GPIODebounce)
	assert.Equal(t, "/dev/ttyUSB0", src.SerialPort)
	assert.Equal(t, 115200, src.SerialBaud)
	assert.Equal(t, 30.0, src.SimFlowrate)
	assert.Equal(t, 0.0, src.SimSweepMax, "sweep is off by default")
	assert.Equal(t, time.Minute, src.SimSweepPeriod)
}

func TestLoad_FileNotExists(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, meter.FS400A(), f.Sensor())
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, f.TickInterval())
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "sensor": "fs300a",
  "kFactor": 5.7,
  "meterFactor": [0.9, 0.95, 1, 1, 1, 1, 1, 1, 1.05, 1.1],
  "tickIntervalMs": 500,
  "source": "serial",
  "serialPort": "/dev/ttyACM0",
  "serialBaud": 57600,
  "schedule": "0 0 * * *",
  "scheduleResetsTotals": true,
  "allowNonRootAccess": true
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)

	props := f.Sensor()
	assert.Equal(t, 5.7, props.KFactor, "explicit k-factor shadows the named profile")
	assert.Equal(t, 60.0, props.Capacity, "capacity comes from the named profile")
	assert.Equal(t, 0.9, props.MeterFactor[0])
	assert.Equal(t, 1.1, props.MeterFactor[9])

	assert.Equal(t, 500*time.Millisecond, f.TickInterval())
	assert.Equal(t, "0 0 * * *", f.Schedule())
	assert.True(t, f.ScheduleResetsTotals())
	assert.True(t, f.AllowNonRootAccess())

	src := f.Source()
	assert.Equal(t, SourceSerial, src.Type)
	assert.Equal(t, "/dev/ttyACM0", src.SerialPort)
	assert.Equal(t, 57600, src.SerialBaud)
}

func TestLoad_ShortMeterFactorIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"meterFactor": [0.5, 0.5]}`), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, meter.FS400A().MeterFactor, f.Sensor().MeterFactor)
}

func TestLoad_UnknownSensorFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sensor": "garden-hose"}`), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, meter.FS400A().KFactor, f.Sensor().KFactor)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	f := NewFileFromConfig(&RawFileConfig{}, path)

	f.SetSensorName("fs300a")
	f.SetTickInterval(250 * time.Millisecond)
	f.SetSchedule("@daily")
	f.SetScheduleResetsTotals(true)
	f.SetAllowNonRootAccess(true)
	require.NoError(t, f.Save())

	g, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fs300a", g.SensorName())
	assert.Equal(t, 250*time.Millisecond, g.TickInterval())
	assert.Equal(t, "@daily", g.Schedule())
	assert.True(t, g.ScheduleResetsTotals())
	assert.True(t, g.AllowNonRootAccess())
}

func TestSetSensorName_DropsOverrides(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{}, filepath.Join(t.TempDir(), "config.json"))

	custom := meter.FS300A()
	custom.KFactor = 6.6
	custom.MeterFactor[4] = 0.97
	f.SetSensorProperties(custom)

	assert.Equal(t, "custom", f.SensorName())
	assert.Equal(t, custom, f.Sensor())

	f.SetSensorName("fs300a")
	assert.Equal(t, meter.FS300A(), f.Sensor(), "overrides must not survive a profile switch")
}

func TestSetTickInterval_RejectsNonPositive(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{}, filepath.Join(t.TempDir(), "config.json"))
	assert.Panics(t, func() { f.SetTickInterval(0) })
	assert.Panics(t, func() { f.SetTickInterval(-time.Second) })
}

func TestNewRawFileConfigFromConfig(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{}, filepath.Join(t.TempDir(), "config.json"))
	f.SetSensorName("fs300a")

	raw, err := NewRawFileConfigFromConfig(f)
	require.NoError(t, err)
	require.NotNil(t, raw.Sensor)
	assert.Equal(t, "fs300a", *raw.Sensor)
	require.NotNil(t, raw.KFactor)
	assert.Equal(t, 5.5, *raw.KFactor)
	require.NotNil(t, raw.MeterFactor)
	assert.Len(t, *raw.MeterFactor, meter.NumDeciles)

	_, err = NewRawFileConfigFromConfig(nil)
	assert.Error(t, err)
}
