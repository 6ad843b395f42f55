package calibration

import (
	"time"

	"github.com/meterkit/flowd/pkg/meter"
)

// Phase defines phases for draw-test calibration.
type Phase string

const (
	PhaseIdle              Phase = "Idle"
	PhaseCapturing         Phase = "Capturing"
	PhaseAwaitingReference Phase = "AwaitingReference"
	PhaseError             Phase = "Error"
)

// Action defines user actions for draw-test calibration.
type Action string

const (
	ActionStart  Action = "Start"
	ActionStop   Action = "Stop"
	ActionSubmit Action = "Submit"
	ActionCancel Action = "Cancel"
)

// Factor bounds applied to a submitted correction. A draw test that would
// push a meter factor outside this range is almost certainly a measurement
// mistake (wrong reference volume, air in the line) and is rejected.
const (
	MinFactor = 0.2
	MaxFactor = 5.0
)

// State holds runtime state persisted to disk.
type State struct {
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"startedAt"`
	StoppedAt time.Time `json:"stoppedAt"`
	// Volume measured per decile while capturing. The dominant bucket
	// decides which meter factor the reference volume corrects.
	CapturedVolume     [meter.NumDeciles]float64 `json:"capturedVolume"`
	CapturedDurationMs int64                     `json:"capturedDurationMs"`
	// Profile as of capture start. The correction is computed against this
	// snapshot, so a profile edit slipping in mid-capture cannot skew it.
	SnapshotProperties meter.SensorProperties `json:"snapshotProperties"`
	// Sampling periods that went missing mid-capture (host suspend, loop
	// stall). Pulses during such gaps may be lost, undercounting the
	// measured volume.
	MissedTicks int    `json:"missedTicks,omitempty"`
	LastError   string `json:"lastError"`
}

// TotalVolume returns the volume measured so far across all deciles, in
// liters.
func (s *State) TotalVolume() float64 {
	var sum float64
	for _, v := range s.CapturedVolume {
		sum += v
	}
	return sum
}

// DominantDecile returns the bucket that saw the most volume during the
// capture. A well-run draw test keeps the flow steady, so one bucket
// dominates clearly.
func (s *State) DominantDecile() int {
	best := 0
	for i, v := range s.CapturedVolume {
		if v > s.CapturedVolume[best] {
			best = i
		}
	}
	return meter.ClampDecile(best)
}

// Status is a synthesized view model exposed via HTTP telemetry and CLI
// polling. It derives from persistent State plus live readings.
type Status struct {
	Phase           Phase     `json:"phase"`
	StartedAt       time.Time `json:"startedAt"`
	CapturedVolume  float64   `json:"capturedVolume"` // liters measured so far
	CaptureSeconds  int       `json:"captureSeconds"`
	DominantDecile  int       `json:"dominantDecile"`
	CurrentFlowrate float64   `json:"currentFlowrate"`
	CanStop         bool      `json:"canStop"`
	CanSubmit       bool      `json:"canSubmit"`
	CanCancel       bool      `json:"canCancel"`
	Message         string    `json:"message"`
}
