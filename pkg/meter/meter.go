package meter

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPeriod is the measurement period assumed by TickDefault.
const DefaultPeriod = time.Second

// Meter accumulates pulses from a flow sensor and converts them into
// calibrated flow-rate and volume readings, one measurement period at a
// time.
//
// The write side and the read side are decoupled: Count is called once per
// pulse edge, from any goroutine, and never blocks; Tick is called by a
// single sampling loop at period boundaries and folds the pulses collected
// since the previous Tick into the running totals. All other methods may be
// called concurrently with both.
type Meter struct {
	pin string

	// pulses is the only state shared with the pulse-source goroutine.
	pulses atomic.Uint64

	mu    sync.RWMutex
	props SensorProperties

	currentDuration   time.Duration
	currentFlowrate   float64
	currentVolume     float64
	currentCorrection float64
	currentDecile     int

	totalDuration time.Duration
	totalVolume   float64
	correctionSum float64
	periods       uint64
}

// New creates a meter for the sensor described by props. pin is an opaque
// channel identifier (a GPIO line, a serial port, ...) used for reporting
// only.
func New(pin string, props SensorProperties) (*Meter, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	return &Meter{pin: pin, props: props}, nil
}

// Count records one sensor pulse. It performs a single atomic increment,
// never takes the meter lock and never blocks, so it is safe to call at
// hardware pulse frequency from a GPIO event handler or serial reader.
//
// The counter is 64 bits wide; at 10 kHz it would take tens of millions of
// years of continuous pulses to wrap.
func (m *Meter) Count() {
	m.pulses.Add(1)
}

// CountN records n sensor pulses at once. Pulse bridges that deliver counts
// in batches (an MCU reporting deltas over serial) use this instead of
// calling Count in a loop.
func (m *Meter) CountN(n uint64) {
	m.pulses.Add(n)
}

// Pulses returns the number of pulses collected so far in the running
// period. Diagnostic only; Tick consumes the counter.
func (m *Meter) Pulses() uint64 {
	return m.pulses.Load()
}

// TickDefault finalizes the current measurement period assuming the default
// one-second duration. Equivalent to Tick(DefaultPeriod).
func (m *Meter) TickDefault() {
	m.Tick(DefaultPeriod)
}

// Tick finalizes the current measurement period: it snapshots and clears
// the pulse counter, converts the pulses collected over period into a
// corrected flow rate and volume, and folds the results into the running
// totals.
//
// The snapshot is a single atomic exchange, so a pulse arriving while Tick
// runs lands either in this period or in the next one, never in both and
// never in neither. The correction factor for the period is selected from
// the decile of the period's own raw (uncorrected) rate relative to the
// profile capacity.
//
// period must be the actual elapsed wall time since the previous Tick; the
// meter does not measure time itself. A non-positive period means no
// measurement took place: current readings are zeroed, totals stay as they
// are, and collected pulses are kept for the next period.
func (m *Meter) Tick(period time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if period <= 0 {
		m.clearCurrentLocked()
		return
	}

	pulses := m.pulses.Swap(0)
	seconds := period.Seconds()

	var raw float64
	if m.props.KFactor > 0 {
		raw = (float64(pulses) / seconds) / m.props.KFactor
	}

	decile := m.props.decile(raw)
	correction := m.props.MeterFactor[decile]
	flow := raw * correction

	m.currentDuration = period
	m.currentFlowrate = flow
	m.currentVolume = flow * seconds / 60
	m.currentCorrection = correction
	m.currentDecile = decile

	m.totalDuration += period
	m.totalVolume += m.currentVolume
	m.correctionSum += correction
	m.periods++
}

// Reset abandons the running period: current readings and the pulse counter
// are cleared, cumulative totals are kept. It prepares the meter for a
// fresh measurement, not a fresh instance; see ResetTotals for the latter.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulses.Store(0)
	m.clearCurrentLocked()
}

// ResetTotals starts a new accounting interval: cumulative volume, duration
// and error state are cleared. The running period is untouched.
func (m *Meter) ResetTotals() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDuration = 0
	m.totalVolume = 0
	m.correctionSum = 0
	m.periods = 0
}

func (m *Meter) clearCurrentLocked() {
	m.currentDuration = 0
	m.currentFlowrate = 0
	m.currentVolume = 0
	m.currentCorrection = 0
	m.currentDecile = 0
}

// Pin returns the channel identifier the meter was created with.
func (m *Meter) Pin() string {
	return m.pin
}

// Properties returns a value snapshot of the active sensor profile.
func (m *Meter) Properties() SensorProperties {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.props
}

// SetProperties swaps the sensor profile. The new profile takes effect at
// the next Tick; the period in flight is interpreted under it. Readings
// already folded into the totals are never reinterpreted.
func (m *Meter) SetProperties(props SensorProperties) error {
	if err := props.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props = props
	return nil
}

// CurrentFlowrate returns the corrected flow rate measured over the last
// completed period, in l/min.
func (m *Meter) CurrentFlowrate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentFlowrate
}

// CurrentVolume returns the volume that passed during the last completed
// period, in liters.
func (m *Meter) CurrentVolume() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentVolume
}

// CurrentDuration returns the duration of the last completed period.
func (m *Meter) CurrentDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentDuration
}

// CurrentCorrection returns the meter factor applied to the last completed
// period.
func (m *Meter) CurrentCorrection() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentCorrection
}

// CurrentDecile returns the decile the last completed period's rate fell
// into.
func (m *Meter) CurrentDecile() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentDecile
}

// CurrentError reports how much correction the last period needed, as
// |1 - correction| clamped into [0, 1]. Zero means the sensor behaved
// exactly as calibrated. Before the first completed period it is zero.
func (m *Meter) CurrentError() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentDuration == 0 {
		return 0
	}
	return clamp01(math.Abs(1 - m.currentCorrection))
}

// TotalFlowrate returns the average flow rate over every period since the
// last ResetTotals, normalized to l/min.
func (m *Meter) TotalFlowrate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	minutes := m.totalDuration.Minutes()
	if minutes == 0 {
		return 0
	}
	return m.totalVolume / minutes
}

// TotalVolume returns the cumulative volume since the last ResetTotals, in
// liters.
func (m *Meter) TotalVolume() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalVolume
}

// TotalDuration returns the cumulative measured duration since the last
// ResetTotals.
//
// Durations are nanosecond-resolution 64-bit values; continuous operation
// for roughly 292 years overflows them. Long-lived installations are
// expected to reset totals on an accounting schedule well before that.
func (m *Meter) TotalDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalDuration
}

// TotalError reports the average correction applied per period since the
// last ResetTotals, as |1 - mean correction| clamped into [0, 1]. It trends
// toward zero for a well-calibrated sensor.
func (m *Meter) TotalError() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.periods == 0 {
		return 0
	}
	return clamp01(math.Abs(1 - m.correctionSum/float64(m.periods)))
}

// Periods returns the number of completed measurement periods since the
// last ResetTotals.
func (m *Meter) Periods() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.periods
}

// Snapshot captures every reading of a meter at one instant.
type Snapshot struct {
	Pin               string
	Properties        SensorProperties
	PendingPulses     uint64
	CurrentDuration   time.Duration
	CurrentFlowrate   float64
	CurrentVolume     float64
	CurrentCorrection float64
	CurrentDecile     int
	CurrentError      float64
	TotalDuration     time.Duration
	TotalFlowrate     float64
	TotalVolume       float64
	TotalError        float64
	Periods           uint64
}

// Snapshot returns a consistent cut of all readings, taken under a single
// read lock.
func (m *Meter) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Pin:               m.pin,
		Properties:        m.props,
		PendingPulses:     m.pulses.Load(),
		CurrentDuration:   m.currentDuration,
		CurrentFlowrate:   m.currentFlowrate,
		CurrentVolume:     m.currentVolume,
		CurrentCorrection: m.currentCorrection,
		CurrentDecile:     m.currentDecile,
		TotalDuration:     m.totalDuration,
		TotalVolume:       m.totalVolume,
		Periods:           m.periods,
	}
	if m.currentDuration != 0 {
		s.CurrentError = clamp01(math.Abs(1 - m.currentCorrection))
	}
	if minutes := m.totalDuration.Minutes(); minutes != 0 {
		s.TotalFlowrate = m.totalVolume / minutes
	}
	if m.periods != 0 {
		s.TotalError = clamp01(math.Abs(1 - m.correctionSum/float64(m.periods)))
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
