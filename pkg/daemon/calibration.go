package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meterkit/flowd/pkg/calibration"
	"github.com/meterkit/flowd/pkg/events"
	"github.com/meterkit/flowd/pkg/meter"
)

var (
	calibrationMu        = &sync.Mutex{}
	calibrationState     = &calibration.State{Phase: calibration.PhaseIdle}
	calibrationStatePath = "" // set during daemon startup, next to the config file
	lastCalibrationFlush time.Time
)

// calibrationFlushInterval throttles state writes while capturing. The
// captured volume changes every tick; flushing each one would hammer the
// SD card most deployments run on.
const calibrationFlushInterval = 5 * time.Second

var ErrCalibrationInProgress = &calibrationError{"calibration already in progress"}
var ErrCalibrationNotRunning = &calibrationError{"calibration not running"}
var ErrCalibrationNotCapturing = &calibrationError{"calibration is not capturing"}
var ErrCalibrationNoReferenceDue = &calibrationError{"calibration is not awaiting a reference volume"}

type calibrationError struct{ msg string }

func (e *calibrationError) Error() string { return e.msg }

func initCalibrationState(path string) {
	calibrationStatePath = path
	// Try load existing state
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		logrus.WithError(err).Warn("failed to read calibration state")
		return
	}
	var st calibration.State
	if err := json.Unmarshal(b, &st); err != nil {
		logrus.WithError(err).Warn("failed to unmarshal calibration state")
		return
	}
	// A capture cannot survive a restart: flow during the downtime was
	// never measured, so the captured volume would be an undercount. A
	// stopped capture keeps its frozen totals and may still be submitted.
	if st.Phase == calibration.PhaseCapturing {
		st.Phase = calibration.PhaseError
		st.LastError = "daemon restarted during capture; measurement discarded"
	}
	calibrationState = &st
}

func persistCalibrationState() {
	lastCalibrationFlush = time.Now()
	if calibrationStatePath == "" {
		return
	}
	b, err := json.MarshalIndent(calibrationState, "", "  ")
	if err != nil {
		logrus.WithError(err).Error("marshal calibration state")
		return
	}
	if err := os.WriteFile(calibrationStatePath, b, 0644); err != nil {
		logrus.WithError(err).Error("write calibration state")
	}
}

func publishCalibrationPhase(action calibration.Action, from, to calibration.Phase, message string) {
	if sseHub == nil {
		return
	}
	sseHub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(from),
		To:      string(to),
		Action:  string(action),
		Message: message,
		Ts:      time.Now().Unix(),
	})

	logrus.WithField("event", events.CalibrationPhase).Debug("new event")
}

// calibrationBusy reports whether a draw test currently holds the sensor
// profile locked. Profile edits while a capture is running or awaiting its
// reference would invalidate the correction math, so the HTTP handlers
// refuse them.
func calibrationBusy() bool {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()
	ph := calibrationState.Phase
	return ph == calibration.PhaseCapturing || ph == calibration.PhaseAwaitingReference
}

func startCalibration() error {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()

	if calibrationState.Phase != calibration.PhaseIdle && calibrationState.Phase != calibration.PhaseError {
		return ErrCalibrationInProgress
	}

	prev := calibrationState.Phase
	calibrationState = &calibration.State{
		Phase:              calibration.PhaseCapturing,
		StartedAt:          time.Now(),
		SnapshotProperties: mtr.Properties(),
	}
	persistCalibrationState()

	publishCalibrationPhase(calibration.ActionStart, prev, calibration.PhaseCapturing,
		"Draw test started: run a steady flow into a reference vessel, then stop the capture")

	return nil
}

type calibrationProgress struct {
	phase  calibration.Phase
	decile int
}

var lastCalibrationProgress calibrationProgress

// recordCalibrationSample folds one completed measurement period into the
// running capture, bucketed by the period's decile. Returns true while a
// capture is active.
func recordCalibrationSample(snap meter.Snapshot, missedPeriods int) bool {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()

	st := calibrationState
	if st.Phase != calibration.PhaseCapturing {
		return false
	}

	st.CapturedVolume[snap.CurrentDecile] += snap.CurrentVolume
	st.CapturedDurationMs += snap.CurrentDuration.Milliseconds()
	if missedPeriods > 0 {
		st.MissedTicks += missedPeriods
	}

	// Throttle debug logs to changes only.
	if lastCalibrationProgress.phase != st.Phase || lastCalibrationProgress.decile != snap.CurrentDecile {
		lastCalibrationProgress = calibrationProgress{phase: st.Phase, decile: snap.CurrentDecile}
		logrus.WithFields(logrus.Fields{
			"decile":    snap.CurrentDecile,
			"captured":  st.TotalVolume(),
			"operation": "calibration",
		}).Debug("calibration capture")
	}

	if time.Since(lastCalibrationFlush) >= calibrationFlushInterval {
		persistCalibrationState()
	}
	return true
}

// stopCalibration freezes the capture and moves to awaiting the reference
// volume. The running period is closed first so pulses collected since the
// last tick end up inside the capture rather than after it.
func stopCalibration() error {
	sampleLoop()

	calibrationMu.Lock()
	defer calibrationMu.Unlock()

	st := calibrationState
	if st.Phase != calibration.PhaseCapturing {
		return ErrCalibrationNotCapturing
	}

	st.Phase = calibration.PhaseAwaitingReference
	st.StoppedAt = time.Now()
	persistCalibrationState()

	publishCalibrationPhase(calibration.ActionStop, calibration.PhaseCapturing, calibration.PhaseAwaitingReference,
		fmt.Sprintf("Capture stopped after %s with %.3f L measured; submit the reference volume",
			formatDuration(st.StoppedAt.Sub(st.StartedAt)), st.TotalVolume()))

	return nil
}

// submitCalibration closes the draw test: the reference volume read off the
// vessel is compared against the measured volume, and the meter factor of
// the dominant decile is corrected by their ratio. Returns the decile and
// the factor that was applied.
func submitCalibration(referenceLiters float64) (int, float64, error) {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()

	st := calibrationState
	if st.Phase != calibration.PhaseAwaitingReference {
		return 0, 0, ErrCalibrationNoReferenceDue
	}

	if referenceLiters <= 0 {
		return 0, 0, fmt.Errorf("reference volume must be positive, got %v", referenceLiters)
	}

	measured := st.TotalVolume()
	if measured <= 0 {
		st.Phase = calibration.PhaseError
		st.LastError = "no volume was measured during the capture"
		persistCalibrationState()
		publishCalibrationPhase(calibration.ActionSubmit, calibration.PhaseAwaitingReference, calibration.PhaseError, st.LastError)
		return 0, 0, errors.New(st.LastError)
	}

	decile := st.DominantDecile()
	oldFactor := st.SnapshotProperties.MeterFactor[decile]
	newFactor := oldFactor * referenceLiters / measured

	// An implausible factor means a botched test (wrong reference, air in
	// the line). Stay in this phase so a mistyped reference can be
	// resubmitted, or the test canceled.
	if newFactor < calibration.MinFactor || newFactor > calibration.MaxFactor {
		return 0, 0, fmt.Errorf("computed meter factor %.4f is outside [%v, %v]; check the reference volume or rerun the draw test",
			newFactor, calibration.MinFactor, calibration.MaxFactor)
	}

	props := mtr.Properties()
	props.MeterFactor[decile] = newFactor
	if err := mtr.SetProperties(props); err != nil {
		return 0, 0, err
	}

	conf.SetSensorProperties(props)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		return 0, 0, err
	}

	calibrationState = &calibration.State{Phase: calibration.PhaseIdle}
	persistCalibrationState()

	publishCalibrationPhase(calibration.ActionSubmit, calibration.PhaseAwaitingReference, calibration.PhaseIdle,
		fmt.Sprintf("Calibration completed in %s: decile %d meter factor %.4f -> %.4f",
			formatDuration(time.Since(st.StartedAt)), decile, oldFactor, newFactor))

	logrus.WithFields(logrus.Fields{
		"decile":    decile,
		"oldFactor": oldFactor,
		"newFactor": newFactor,
		"measured":  measured,
		"reference": referenceLiters,
	}).Info("applied draw-test calibration")

	return decile, newFactor, nil
}

func cancelCalibration() error {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()

	if calibrationState.Phase == calibration.PhaseIdle {
		return ErrCalibrationNotRunning
	}

	prev := calibrationState.Phase
	calibrationState = &calibration.State{Phase: calibration.PhaseIdle}
	persistCalibrationState()

	publishCalibrationPhase(calibration.ActionCancel, prev, calibration.PhaseIdle, "Draw test canceled; no factors were changed")

	return nil
}

func getCalibrationStatus() *calibration.Status {
	calibrationMu.Lock()
	defer calibrationMu.Unlock()

	st := calibrationState

	msg := st.LastError
	if msg == "" && st.MissedTicks > 0 {
		msg = fmt.Sprintf("capture missed %d sampling periods; the measured volume may read low", st.MissedTicks)
	}

	return &calibration.Status{
		Phase:           st.Phase,
		StartedAt:       st.StartedAt,
		CapturedVolume:  st.TotalVolume(),
		CaptureSeconds:  int(st.CapturedDurationMs / 1000),
		DominantDecile:  st.DominantDecile(),
		CurrentFlowrate: mtr.CurrentFlowrate(),
		CanStop:         st.Phase == calibration.PhaseCapturing,
		CanSubmit:       st.Phase == calibration.PhaseAwaitingReference,
		CanCancel:       st.Phase != calibration.PhaseIdle,
		Message:         msg,
	}
}
