package daemon

import (
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meterkit/flowd/pkg/events"
	"github.com/meterkit/flowd/pkg/meter"
)

var (
	sampleLoopLock = &sync.Mutex{}
	// lastTickTime is when the previous measurement period was closed. The
	// meter is fed measured wall time, not the nominal interval, so a loop
	// that oversleeps stretches the period instead of losing volume.
	lastTickTime time.Time
	tickRecorder = NewTickRecorder(120)
)

// continuityWindow is how far back checkMissedTicks looks for gaps.
func continuityWindow(interval time.Duration) time.Duration {
	return 20*interval + 2*time.Second // add 2s to be sure
}

// TickRecorder records the last N tick times.
type TickRecorder struct {
	MaxRecordCount int
	LastTickTimes  []time.Time
	mu             *sync.Mutex
}

// NewTickRecorder returns a new TickRecorder.
func NewTickRecorder(maxRecordCount int) *TickRecorder {
	return &TickRecorder{
		MaxRecordCount: maxRecordCount,
		LastTickTimes:  make([]time.Time, 0),
		mu:             &sync.Mutex{},
	}
}

// AddRecordNow adds a new record with the current time.
func (r *TickRecorder) AddRecordNow() {
	r.AddRecord(time.Now())
}

// AddRecord adds a new record.
func (r *TickRecorder) AddRecord(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Round to strip the monotonic clock reading. This prevents time.Since
	// from returning values that are not accurate (especially when the
	// system has been in sleep mode).
	t = t.Round(0)

	if len(r.LastTickTimes) >= r.MaxRecordCount {
		r.LastTickTimes = r.LastTickTimes[1:]
	}
	r.LastTickTimes = append(r.LastTickTimes, t)
}

// ClearRecords clears all records.
func (r *TickRecorder) ClearRecords() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.LastTickTimes = make([]time.Time, 0)
}

// GetRecords returns the records.
func (r *TickRecorder) GetRecords() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.LastTickTimes
}

// GetRecordsIn returns the number of continuous records in the last
// duration. Continuous records are records whose gap to the record after
// them is below interval plus one second.
func (r *TickRecorder) GetRecordsIn(interval, last time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The last record must be within the last duration.
	if len(r.LastTickTimes) > 0 && time.Since(r.LastTickTimes[len(r.LastTickTimes)-1]) >= interval+time.Second {
		return 0
	}

	// Find continuous records from the end of the list.
	count := 0
	for i := len(r.LastTickTimes) - 1; i >= 0; i-- {
		record := r.LastTickTimes[i]
		if time.Since(record) > last {
			break
		}

		theRecordAfter := record
		if i+1 < len(r.LastTickTimes) {
			theRecordAfter = r.LastTickTimes[i+1]
		}

		if theRecordAfter.Sub(record) >= interval+time.Second {
			break
		}
		count++
	}

	return count
}

// GetLastRecords returns the records within the last duration, newest
// first.
func (r *TickRecorder) GetLastRecords(last time.Duration) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.LastTickTimes) == 0 {
		return nil
	}

	var records []time.Time
	for i := len(r.LastTickTimes) - 1; i >= 0; i-- {
		record := r.LastTickTimes[i]
		if time.Since(record) > last {
			break
		}
		records = append(records, record)
	}

	return records
}

// GetLastRecord returns the last record.
func (r *TickRecorder) GetLastRecord() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.LastTickTimes) == 0 {
		return time.Time{}
	}

	return r.LastTickTimes[len(r.LastTickTimes)-1]
}

func formatRelativeTimes(times []time.Time) []string {
	var timesString []string
	for _, t := range times {
		timesString = append(timesString, time.Since(t).String())
	}
	return timesString
}

// samplingLoop runs forever and closes one measurement period per tick
// interval, which is called by the daemon. It sleeps first so the opening
// period has a full interval to collect pulses.
func samplingLoop() {
	for {
		time.Sleep(conf.TickInterval())
		sampleLoop()
	}
}

// sampleLoop closes the running measurement period and fans the fresh
// snapshot out to metrics, calibration, events and the log. It has the
// logic to prevent parallel runs, so a forced sample from the HTTP API and
// the periodic one cannot interleave.
func sampleLoop() {
	sampleLoopLock.Lock()
	defer sampleLoopLock.Unlock()

	sampleLoopInner()
}

// sampleLoopInner does the actual period close. Callers must hold
// sampleLoopLock; the scheduled report calls it directly so that closing
// the interval and resetting the totals happen under one critical section.
func sampleLoopInner() {
	interval := conf.TickInterval()

	now := time.Now()
	if lastTickTime.IsZero() {
		lastTickTime = now
	}
	elapsed := now.Sub(lastTickTime)
	lastTickTime = now

	// Count whole periods that never got a tick. GPIO edges are not
	// buffered while the host is suspended, so a large gap taints any
	// calibration capture that spans it.
	missed := 0
	if interval > 0 && elapsed >= 2*interval {
		missed = int(elapsed/interval) - 1
		counterMissedTicks.Add(float64(missed))
		logrus.WithFields(logrus.Fields{
			"elapsed":  elapsed.String(),
			"interval": interval.String(),
			"missed":   missed,
		}).Warn("sampling fell behind, stretching period to cover the gap")
	}

	mtr.Tick(elapsed)

	checkMissedTicks(interval)
	tickRecorder.AddRecordNow()

	snap := mtr.Snapshot()
	updateMetrics(snap)
	recordCalibrationSample(snap, missed)
	publishReading(snap)
	printStatus(snap, interval)
}

// checkMissedTicks inspects recent tick continuity and logs when the loop
// has been skipping. Detection via the recorder catches slow creep that
// the per-sample elapsed check does not.
func checkMissedTicks(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}

	window := continuityWindow(interval)
	expectedTickCount := int(window / interval)
	if len(tickRecorder.GetRecords()) < expectedTickCount {
		// Not enough history yet (daemon just started or records were
		// cleared after an interval change).
		return false
	}

	tickCount := tickRecorder.GetRecordsIn(interval, window)
	minTickCount := expectedTickCount - 1

	if tickCount < minTickCount {
		logrus.WithFields(logrus.Fields{
			"tickCount":         tickCount,
			"expectedTickCount": expectedTickCount,
			"minTickCount":      minTickCount,
			"recentRecords":     formatRelativeTimes(tickRecorder.GetLastRecords(window)),
		}).Infof("Possibly missed sampling ticks")
		return true
	}
	return false
}

// publishReading pushes the period's reading to SSE subscribers. Readings
// arrive every period, so the marshal is skipped when nobody listens.
func publishReading(snap meter.Snapshot) {
	if sseHub.SubscriberCount() == 0 {
		return
	}

	sseHub.Publish(events.Reading, events.ReadingEvent{
		Flowrate:    snap.CurrentFlowrate,
		Volume:      snap.CurrentVolume,
		TotalVolume: snap.TotalVolume,
		Ts:          time.Now().Unix(),
	})
}

var lastPrintTime time.Time

type loopStatus struct {
	flowrate    float64
	totalVolume float64
	correction  float64
	decile      int
}

var lastStatus loopStatus

func printStatus(snap meter.Snapshot, interval time.Duration) {
	currentStatus := loopStatus{
		flowrate:    snap.CurrentFlowrate,
		totalVolume: snap.TotalVolume,
		correction:  snap.CurrentCorrection,
		decile:      snap.CurrentDecile,
	}

	fields := logrus.Fields{
		"flowrate":    snap.CurrentFlowrate,
		"volume":      snap.CurrentVolume,
		"totalVolume": snap.TotalVolume,
		"correction":  snap.CurrentCorrection,
		"decile":      snap.CurrentDecile,
		"periods":     snap.Periods,
	}

	defer func() { lastPrintTime = time.Now() }()

	// Skip printing if the last print was less than interval+1 seconds ago and everything is the same.
	if time.Since(lastPrintTime) < interval+time.Second && reflect.DeepEqual(lastStatus, currentStatus) {
		logrus.WithFields(fields).Trace("sampling loop status")
		return
	}

	logrus.WithFields(fields).Debug("sampling loop status")

	lastStatus = currentStatus
}
