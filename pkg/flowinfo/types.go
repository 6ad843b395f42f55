package flowinfo

import (
	"time"

	"github.com/meterkit/flowd/pkg/calibration"
	"github.com/meterkit/flowd/pkg/meter"
)

// Reading is the per-period view of a meter: what happened during the last
// completed measurement period. Durations travel as milliseconds.
type Reading struct {
	Flowrate      float64 `json:"flowrate"` // l/min over the period
	Volume        float64 `json:"volume"`   // liters
	DurationMs    int64   `json:"durationMs"`
	Correction    float64 `json:"correction"`
	Decile        int     `json:"decile"`
	Error         float64 `json:"error"`
	PendingPulses uint64  `json:"pendingPulses"`
}

// Totals is the cumulative view of a meter since its totals were last
// reset.
type Totals struct {
	Flowrate   float64 `json:"flowrate"` // lifetime average l/min
	Volume     float64 `json:"volume"`   // liters
	DurationMs int64   `json:"durationMs"`
	Error      float64 `json:"error"`
	Periods    uint64  `json:"periods"`
}

// Status is the unified meter snapshot served over the daemon API and
// rendered by the CLI.
type Status struct {
	Pin     string                 `json:"pin"`
	Sensor  meter.SensorProperties `json:"sensor"`
	Reading Reading                `json:"reading"`
	Totals  Totals                 `json:"totals"`
}

// ScheduleInfo describes the accounting-report schedule. NextRun is the
// zero time when no schedule is active.
type ScheduleInfo struct {
	Spec         string    `json:"spec"`
	ResetsTotals bool      `json:"resetsTotals"`
	Running      bool      `json:"running"`
	NextRun      time.Time `json:"nextRun"`
}

// Telemetry bundles everything a dashboard polls for into one response.
type Telemetry struct {
	Status      Status              `json:"status"`
	Source      string              `json:"source"`
	Schedule    ScheduleInfo        `json:"schedule"`
	Calibration *calibration.Status `json:"calibration"`
	// RecentTicks holds the ages of the latest sampling ticks, newest
	// first. Gaps here explain odd readings better than any gauge.
	RecentTicks []string `json:"recentTicks"`
	Version     string   `json:"version"`
}

// FromSnapshot converts a consistent meter snapshot into the wire form.
func FromSnapshot(s meter.Snapshot) Status {
	return Status{
		Pin:    s.Pin,
		Sensor: s.Properties,
		Reading: Reading{
			Flowrate:      s.CurrentFlowrate,
			Volume:        s.CurrentVolume,
			DurationMs:    s.CurrentDuration.Milliseconds(),
			Correction:    s.CurrentCorrection,
			Decile:        s.CurrentDecile,
			Error:         s.CurrentError,
			PendingPulses: s.PendingPulses,
		},
		Totals: Totals{
			Flowrate:   s.TotalFlowrate,
			Volume:     s.TotalVolume,
			DurationMs: s.TotalDuration.Milliseconds(),
			Error:      s.TotalError,
			Periods:    s.Periods,
		},
	}
}
