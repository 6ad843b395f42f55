package source

import (
	"context"
	"math"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// simStep is how often the simulator wakes up to emit pulses.
const simStep = 10 * time.Millisecond

// Sim generates pulses as if a sensor were seeing flow. It exists for
// development and demos without hardware: point the daemon at it and every
// downstream path (sampling loop, API, events, metrics) behaves as in
// production. The rate is either steady or a sine sweep between two bounds,
// which walks the meter through its deciles.
type Sim struct {
	lo, hi float64       // pulses/s bounds; equal means steady
	period time.Duration // one full sweep cycle

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSim simulates a sensor with the given k-factor observing a steady
// flowrate in l/min, i.e. it emits flowrate*kFactor pulses per second.
func NewSim(flowrate, kFactor float64) *Sim {
	hz := sanitizeHz(flowrate * kFactor)
	return &Sim{lo: hz, hi: hz}
}

// NewSimSweep simulates a flowrate sweeping sinusoidally between minFlow
// and maxFlow l/min, starting at minFlow and completing one cycle per
// period. Swapped bounds are reordered; a non-positive period falls back
// to a minute.
func NewSimSweep(minFlow, maxFlow float64, period time.Duration, kFactor float64) *Sim {
	lo := sanitizeHz(minFlow * kFactor)
	hi := sanitizeHz(maxFlow * kFactor)
	if hi < lo {
		lo, hi = hi, lo
	}
	if period <= 0 {
		period = time.Minute
	}
	return &Sim{lo: lo, hi: hi, period: period}
}

func sanitizeHz(hz float64) float64 {
	if hz < 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return 0
	}
	return hz
}

// Open starts emitting pulses.
func (s *Sim) Open(onPulse PulseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return pkgerrors.New("already open")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, onPulse)

	return nil
}

// Close stops the pulse stream and waits for the generator to exit.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	return nil
}

func (s *Sim) Description() string {
	return "sim"
}

func (s *Sim) run(ctx context.Context, onPulse PulseFunc) {
	defer close(s.done)

	ticker := time.NewTicker(simStep)
	defer ticker.Stop()

	var acc float64
	start := time.Now()
	last := start
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			if n := take(&acc, s.rate(now.Sub(start)), elapsed.Seconds()); n > 0 {
				onPulse(n)
			}
		}
	}
}

// rate is the pulse frequency t into the run: the steady bound, or a
// cosine ramp lo..hi..lo once per period.
func (s *Sim) rate(t time.Duration) float64 {
	if s.hi <= s.lo {
		return s.lo
	}
	phase := (1 - math.Cos(2*math.Pi*float64(t)/float64(s.period))) / 2
	return s.lo + (s.hi-s.lo)*phase
}

// take accumulates fractional pulses and returns the whole ones. The
// fraction carries over, so the emitted count tracks hz*t exactly instead
// of rounding it away every step.
func take(acc *float64, hz, dtSeconds float64) uint64 {
	if hz <= 0 || dtSeconds <= 0 {
		return 0
	}
	*acc += hz * dtSeconds
	n := math.Floor(*acc)
	*acc -= n
	return uint64(n)
}
