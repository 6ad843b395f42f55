package events

import "encoding/json"

// Event name constants
const (
	Reading          = "reading"
	CalibrationPhase = "calibration.phase"
	ScheduleUpcoming = "schedule.upcoming"
	ScheduleReport   = "schedule.report"
	TotalsReset      = "totals.reset"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// ReadingEvent is the typed payload for reading, published once per
// completed measurement period.
type ReadingEvent struct {
	Flowrate    float64 `json:"flowrate"` // l/min over the period
	Volume      float64 `json:"volume"`   // liters over the period
	TotalVolume float64 `json:"totalVolume"`
	Ts          int64   `json:"ts"`
}

// CalibrationPhaseEvent is the typed payload for calibration.phase.
type CalibrationPhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Action  string `json:"action"` // the operator action that caused the transition
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// ScheduleUpcomingEvent is the typed payload for schedule.upcoming, sent
// shortly before a scheduled report runs so clients can brace for a totals
// reset.
type ScheduleUpcomingEvent struct {
	RunAt       int64 `json:"runAt"`
	TotalsReset bool  `json:"totalsReset"`
	Ts          int64 `json:"ts"`
}

// ScheduleReportEvent is the typed payload for schedule.report, published
// when the accounting schedule fires.
type ScheduleReportEvent struct {
	Volume      float64 `json:"volume"` // liters accumulated over the closed interval
	DurationMs  int64   `json:"durationMs"`
	TotalsReset bool    `json:"totalsReset"`
	Ts          int64   `json:"ts"`
}

// TotalsResetEvent is the typed payload for totals.reset.
type TotalsResetEvent struct {
	PreviousVolume float64 `json:"previousVolume"`
	Ts             int64   `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.ReadingEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Flowrate, payload.TotalVolume)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
