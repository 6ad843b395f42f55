package source

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTake_CarriesFraction(t *testing.T) {
	// 330 Hz over 100 steps of 10 ms is exactly 330 pulses; without the
	// carry each step would round 3.3 down to 3.
	var acc float64
	var total uint64
	for i := 0; i < 100; i++ {
		total += take(&acc, 330, 0.01)
	}
	assert.EqualValues(t, 330, total)
	assert.Less(t, acc, 1.0)
}

func TestTake_Degenerate(t *testing.T) {
	var acc float64
	assert.Zero(t, take(&acc, 0, 0.01))
	assert.Zero(t, take(&acc, -5, 0.01))
	assert.Zero(t, take(&acc, 100, 0))
	assert.Zero(t, take(&acc, 100, -1))
	assert.Zero(t, acc)
}

func TestSim_EmitsRoughlyAtRate(t *testing.T) {
	// 60 l/min on an FS300A is 330 pulses/s. Bounds are generous; the test
	// only cares that the stream runs and stops.
	s := NewSim(60, 5.5)

	var pulses atomic.Uint64
	require.NoError(t, s.Open(func(n uint64) { pulses.Add(n) }))

	assert.Error(t, s.Open(func(uint64) {}), "double open must fail")

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, s.Close())

	got := pulses.Load()
	assert.Greater(t, got, uint64(30))
	assert.Less(t, got, uint64(1000))

	// Closed means closed: no more pulses arrive.
	after := pulses.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, pulses.Load())

	assert.NoError(t, s.Close(), "double close is fine")
}

func TestSim_NegativeRateIsSilent(t *testing.T) {
	s := NewSim(-10, 5.5)

	var pulses atomic.Uint64
	require.NoError(t, s.Open(func(n uint64) { pulses.Add(n) }))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	assert.Zero(t, pulses.Load())
}

func TestSimRate_Sweep(t *testing.T) {
	// 0..60 l/min on an FS300A sweeps 0..330 pulses/s.
	s := NewSimSweep(0, 60, time.Minute, 5.5)

	assert.InDelta(t, 0, s.rate(0), 1e-9)
	assert.InDelta(t, 165, s.rate(15*time.Second), 1e-9)
	assert.InDelta(t, 330, s.rate(30*time.Second), 1e-9)
	assert.InDelta(t, 0, s.rate(time.Minute), 1e-9)
}

func TestSimRate_Steady(t *testing.T) {
	s := NewSim(60, 5.5)
	assert.Equal(t, 330.0, s.rate(17*time.Second))
}

func TestNewSimSweep_Sanitizes(t *testing.T) {
	s := NewSimSweep(50, 10, 0, 1)
	assert.Equal(t, 10.0, s.lo, "swapped bounds are reordered")
	assert.Equal(t, 50.0, s.hi)
	assert.Equal(t, time.Minute, s.period, "degenerate period falls back")
}
