package meter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := New("gpiochip0:17", FS400A())
	require.NoError(t, err)
	assert.Equal(t, "gpiochip0:17", m.Pin())
	assert.Equal(t, FS400A(), m.Properties())
	assert.Zero(t, m.CurrentFlowrate())
	assert.Zero(t, m.TotalVolume())
}

func TestNew_InvalidProperties(t *testing.T) {
	bad := FS400A()
	bad.KFactor = 0
	_, err := New("sim", bad)
	assert.Error(t, err)
}

func TestTick_OneSecondScenario(t *testing.T) {
	// 330 pulses in one second on an FS300A: 330/5.5 = 60 l/min, which is
	// one liter over the second.
	m, err := New("sim", FS300A())
	require.NoError(t, err)

	for i := 0; i < 330; i++ {
		m.Count()
	}
	m.Tick(time.Second)

	assert.InDelta(t, 60.0, m.CurrentFlowrate(), 1e-9)
	assert.InDelta(t, 1.0, m.CurrentVolume(), 1e-9)
	assert.Equal(t, time.Second, m.CurrentDuration())
	assert.Equal(t, 1.0, m.CurrentCorrection())
	assert.Equal(t, 9, m.CurrentDecile()) // 60 l/min == capacity, highest bucket
	assert.Zero(t, m.CurrentError())
	assert.InDelta(t, 1.0, m.TotalVolume(), 1e-9)
	assert.Equal(t, time.Second, m.TotalDuration())
}

func TestTick_ZeroPulses(t *testing.T) {
	m, err := New("sim", FS300A())
	require.NoError(t, err)

	for i := 0; i < 330; i++ {
		m.Count()
	}
	m.Tick(time.Second)
	before := m.TotalVolume()

	m.Tick(time.Second)

	assert.Zero(t, m.CurrentFlowrate())
	assert.Zero(t, m.CurrentVolume())
	assert.Equal(t, 0, m.CurrentDecile())
	assert.Equal(t, before, m.TotalVolume())
	assert.Equal(t, 2*time.Second, m.TotalDuration())
}

func TestTick_ZeroDuration(t *testing.T) {
	m, err := New("sim", FS300A())
	require.NoError(t, err)

	for i := 0; i < 42; i++ {
		m.Count()
	}
	m.Tick(0)

	// No measurement: nothing folded, nothing lost.
	assert.Zero(t, m.CurrentFlowrate())
	assert.Zero(t, m.CurrentVolume())
	assert.Zero(t, m.TotalVolume())
	assert.Zero(t, m.TotalDuration())
	assert.EqualValues(t, 42, m.Pulses())

	// The held pulses are measured by the next real period.
	m.Tick(time.Second)
	assert.InDelta(t, 42.0/5.5, m.CurrentFlowrate(), 1e-9)
	assert.Zero(t, m.Pulses())
}

func TestTick_ZeroKFactor(t *testing.T) {
	// New rejects a zero k-factor, but Tick still has to survive one in
	// case a profile is built by hand.
	m := &Meter{props: SensorProperties{Capacity: 60}}
	m.CountN(1000)

	m.Tick(time.Second)

	assert.Zero(t, m.CurrentFlowrate())
	assert.Zero(t, m.CurrentVolume())
}

func TestTick_TotalsAreExactSums(t *testing.T) {
	m, err := New("sim", FS400A())
	require.NoError(t, err)

	pulses := []uint64{0, 17, 330, 1, 960, 42, 0, 7}
	durations := []time.Duration{
		time.Second,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		750 * time.Millisecond,
		time.Second,
		300 * time.Millisecond,
		time.Second,
	}

	var wantVolume float64
	var wantDuration time.Duration
	for i, p := range pulses {
		m.CountN(p)
		m.Tick(durations[i])
		wantVolume += m.CurrentVolume()
		wantDuration += durations[i]
	}

	assert.Equal(t, wantVolume, m.TotalVolume())
	assert.Equal(t, wantDuration, m.TotalDuration())
	assert.EqualValues(t, len(pulses), m.Periods())
}

func TestReset(t *testing.T) {
	m, err := New("sim", FS300A())
	require.NoError(t, err)

	m.CountN(330)
	m.Tick(time.Second)
	m.CountN(55)

	totalVolume := m.TotalVolume()
	totalDuration := m.TotalDuration()

	m.Reset()

	assert.Zero(t, m.CurrentFlowrate())
	assert.Zero(t, m.CurrentVolume())
	assert.Zero(t, m.CurrentDuration())
	assert.Zero(t, m.CurrentCorrection())
	assert.Zero(t, m.CurrentError())
	assert.Zero(t, m.Pulses())
	assert.Equal(t, totalVolume, m.TotalVolume())
	assert.Equal(t, totalDuration, m.TotalDuration())

	// Idempotent: a second reset changes nothing.
	m.Reset()
	assert.Zero(t, m.CurrentFlowrate())
	assert.Equal(t, totalVolume, m.TotalVolume())
	assert.Equal(t, totalDuration, m.TotalDuration())
}

func TestResetTotals(t *testing.T) {
	m, err := New("sim", FS300A())
	require.NoError(t, err)

	m.CountN(330)
	m.Tick(time.Second)

	m.ResetTotals()

	assert.Zero(t, m.TotalVolume())
	assert.Zero(t, m.TotalDuration())
	assert.Zero(t, m.TotalFlowrate())
	assert.Zero(t, m.TotalError())
	assert.Zero(t, m.Periods())
	// The last period's readings survive.
	assert.InDelta(t, 60.0, m.CurrentFlowrate(), 1e-9)
	assert.InDelta(t, 1.0, m.CurrentVolume(), 1e-9)
}

func TestTick_DecileSelection(t *testing.T) {
	// Distinct factor per decile so the selected bucket is observable.
	props := SensorProperties{Capacity: 60, KFactor: 1}
	for i := range props.MeterFactor {
		props.MeterFactor[i] = 1 + float64(i)/100
	}

	// With a k-factor of 1 and one-second periods, the raw rate in l/min
	// equals the pulse count.
	tests := []struct {
		name       string
		pulses     uint64
		wantDecile int
	}{
		{"zero rate", 0, 0},
		{"low rate", 5, 0},
		{"second decile", 6, 1},
		{"mid range", 33, 5},
		{"just below capacity", 59, 9},
		{"at capacity", 60, 9},
		{"far above capacity", 600, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New("sim", props)
			require.NoError(t, err)

			m.CountN(tt.pulses)
			m.Tick(time.Second)

			assert.Equal(t, tt.wantDecile, m.CurrentDecile())
			assert.Equal(t, props.MeterFactor[tt.wantDecile], m.CurrentCorrection())
			rate := float64(tt.pulses)
			assert.InDelta(t, rate*props.MeterFactor[tt.wantDecile], m.CurrentFlowrate(), 1e-9)
		})
	}
}

func TestErrors(t *testing.T) {
	props := FS300A()
	for i := range props.MeterFactor {
		props.MeterFactor[i] = 0.8
	}
	m, err := New("sim", props)
	require.NoError(t, err)

	assert.Zero(t, m.CurrentError(), "no period measured yet")
	assert.Zero(t, m.TotalError(), "no period measured yet")

	m.CountN(100)
	m.Tick(time.Second)

	assert.InDelta(t, 0.2, m.CurrentError(), 1e-9)
	assert.InDelta(t, 0.2, m.TotalError(), 1e-9)

	// Averaging with a perfectly corrected period halves the total error.
	perfect := props
	for i := range perfect.MeterFactor {
		perfect.MeterFactor[i] = 1.0
	}
	require.NoError(t, m.SetProperties(perfect))
	m.CountN(100)
	m.Tick(time.Second)

	assert.Zero(t, m.CurrentError())
	assert.InDelta(t, 0.1, m.TotalError(), 1e-9)
}

func TestSetProperties(t *testing.T) {
	m, err := New("sim", FS300A())
	require.NoError(t, err)

	m.CountN(330)

	// The swap applies to the period in flight.
	fs400a := FS400A()
	require.NoError(t, m.SetProperties(fs400a))
	m.Tick(time.Second)

	assert.Equal(t, fs400a, m.Properties())
	assert.InDelta(t, 330.0/4.8, m.CurrentFlowrate(), 1e-9)

	bad := FS400A()
	bad.Capacity = -1
	assert.Error(t, m.SetProperties(bad))
	assert.Equal(t, fs400a, m.Properties(), "rejected profile must not stick")
}

func TestTickDefault(t *testing.T) {
	m, err := New("sim", FS300A())
	require.NoError(t, err)

	m.CountN(330)
	m.TickDefault()

	assert.Equal(t, DefaultPeriod, m.CurrentDuration())
	assert.InDelta(t, 60.0, m.CurrentFlowrate(), 1e-9)
}

func TestTotalFlowrate(t *testing.T) {
	m, err := New("sim", FS300A())
	require.NoError(t, err)

	assert.Zero(t, m.TotalFlowrate(), "zero duration must not divide")

	// One liter in the first minute, nothing in the second: the lifetime
	// average is 0.5 l/min.
	m.CountN(330)
	m.Tick(time.Minute)
	m.Tick(time.Minute)

	assert.InDelta(t, 1.0, m.TotalVolume(), 1e-9)
	assert.InDelta(t, 0.5, m.TotalFlowrate(), 1e-9)
}

func TestCount_ConcurrentWithTick(t *testing.T) {
	// A k-factor of 1/60 makes the volume of a period numerically equal to
	// its pulse count, so conservation is checkable exactly: no pulse may
	// be lost or double-counted across snapshot boundaries.
	props := SensorProperties{Capacity: 1e12, KFactor: 1.0 / 60, MeterFactor: unityFactors()}
	m, err := New("sim", props)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 25000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Count()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		m.Tick(time.Second)
		select {
		case <-done:
			m.Tick(time.Second) // collect stragglers
			assert.Equal(t, float64(workers*perWorker), m.TotalVolume())
			return
		default:
		}
	}
}

func TestSnapshot(t *testing.T) {
	m, err := New("gpiochip0:17", FS300A())
	require.NoError(t, err)

	m.CountN(330)
	m.Tick(time.Second)
	m.CountN(5)

	s := m.Snapshot()

	assert.Equal(t, "gpiochip0:17", s.Pin)
	assert.Equal(t, FS300A(), s.Properties)
	assert.EqualValues(t, 5, s.PendingPulses)
	assert.Equal(t, m.CurrentFlowrate(), s.CurrentFlowrate)
	assert.Equal(t, m.CurrentVolume(), s.CurrentVolume)
	assert.Equal(t, m.CurrentDuration(), s.CurrentDuration)
	assert.Equal(t, m.CurrentCorrection(), s.CurrentCorrection)
	assert.Equal(t, m.CurrentDecile(), s.CurrentDecile)
	assert.Equal(t, m.CurrentError(), s.CurrentError)
	assert.Equal(t, m.TotalFlowrate(), s.TotalFlowrate)
	assert.Equal(t, m.TotalVolume(), s.TotalVolume)
	assert.Equal(t, m.TotalDuration(), s.TotalDuration)
	assert.Equal(t, m.TotalError(), s.TotalError)
	assert.EqualValues(t, 1, s.Periods)
}
