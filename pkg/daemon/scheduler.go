package daemon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/meterkit/flowd/pkg/events"
)

const (
	// leadTime is how long before a scheduled report subscribers get warned.
	leadTime         = time.Minute
	preCheckMaxTimes = 30
	preCheckInterval = time.Second * 10
)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler fires the accounting report on a cron schedule. A pending run
// can be postponed or skipped without touching the schedule itself.
type Scheduler struct {
	OnUpcoming NotifyFunc // called leadTime before running the task
	OnError    NotifyFunc // called on task or precheck error
	Task       TaskFunc   // task callback
	PreCheck   TaskFunc   // condition check; a failing precheck retries the run

	parser cron.Parser

	schedule cron.Schedule
	nextRun  time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	controlCh chan controlMsg
}

// internal control kinds (not user visible events)
type controlKind int

const (
	ctrlReschedule controlKind = iota // timer needs recalculation due to schedule change
	ctrlPostpone                      // next run postponed
	ctrlSkip                          // next run skipped
)

type controlMsg struct {
	kind controlKind
	data any
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	s := &Scheduler{
		OnUpcoming: onUpcoming,
		OnError:    onError,
		Task:       task,
		PreCheck:   preCheck,
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		controlCh:  make(chan controlMsg, 4),
	}
	return s
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	ch := s.stopCh
	s.mu.Unlock()

	if ch == nil {
		return
	}
	select {
	case <-ch: // already closed
	default:
		close(ch)
	}
}

// Start launches the run loop. A stopped scheduler may be started again;
// each Start gets a fresh stop channel.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	go s.runScheduled(s.stopCh)
}

func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := s.parser.Parse(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	running := s.running
	if !running {
		s.schedule = sh
		s.nextRun = sh.Next(time.Now())
	}
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlReschedule, sh)
	}
	return nil
}

// Postpone postpones the next scheduled run by the given duration.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to postpone")
	}
	orig := s.nextRun
	next := s.schedule.Next(orig).Truncate(time.Second)
	running := s.running
	s.mu.Unlock()

	if !running {
		return fmt.Errorf("no active schedule to postpone")
	}

	pp := orig.Add(d).Truncate(time.Second)
	if pp.Compare(next) >= 0 {
		return fmt.Errorf("postpone duration too long")
	}

	s.trySendControl(ctrlPostpone, pp)
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	next := s.schedule.Next(s.nextRun)
	if !s.running {
		s.nextRun = next
		s.mu.Unlock()
		return nil
	}
	s.nextRun = next
	s.mu.Unlock()
	s.trySendControl(ctrlSkip, nil)
	return nil
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextRun = s.nextRun
	running = s.running
	return
}

func (s *Scheduler) runScheduled(stopCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		leading := true

		attempts := 0
		var precheckErr error

		schedule, nextRun := s.snapshot()
		var timer *time.Timer
		if schedule == nil || nextRun.IsZero() {
			timer = time.NewTimer(time.Hour * 10000)
		} else {
			wait := time.Until(nextRun) - leadTime
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
		}

		for {
			select {
			case <-timer.C:
				if schedule == nil || nextRun.IsZero() {
					break
				}

				if leading {
					logrus.Debugf("upcoming scheduled report at %s", nextRun.Format(time.DateTime))
					leading = false
					runWait := time.Until(nextRun)
					if runWait < 0 {
						runWait = 0
					}
					timer.Reset(runWait)
					s.sendNotify(nextRun)
					continue
				}

				logrus.Debugf("running scheduled report at %s", nextRun.Format(time.DateTime))

				if s.PreCheck != nil {
					if err := s.PreCheck(); err != nil {
						if precheckErr == nil || err.Error() != precheckErr.Error() {
							precheckErr = err
							s.sendError(fmt.Errorf("precheck failed: %v", err))
						}

						attempts++
						if attempts <= preCheckMaxTimes {
							logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, preCheckMaxTimes, err, preCheckInterval)
							timer.Reset(preCheckInterval)
							continue
						}

						timer.Stop()
						s.advanceNextRun()
						break
					}
				}

				timer.Stop()

				go func() {
					if err := s.Task(); err != nil {
						s.sendError(fmt.Errorf("task failed: %v", err))
					}
				}()
				s.advanceNextRun()
			case <-stopCh:
				timer.Stop()
				return
			case msg := <-s.controlCh: // internal control messages
				logrus.WithFields(logrus.Fields{
					"kind": msg.kind,
					"data": msg.data,
				}).Debug("received control msg")

				switch msg.kind {
				case ctrlReschedule:
					timer.Stop()
					sh := msg.data.(cron.Schedule)
					s.mu.Lock()
					s.schedule = sh
					s.nextRun = sh.Next(time.Now())
					s.mu.Unlock()
				case ctrlPostpone: // only postpone the current run
					pp := msg.data.(time.Time)
					timer.Reset(time.Until(pp))
					continue
				case ctrlSkip:
					timer.Stop()
				}
			}

			break
		}
	}
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(s.nextRun)
}

func (s *Scheduler) sendNotify(runAt time.Time) {
	if s.OnUpcoming == nil {
		return
	}

	go s.OnUpcoming(runAt)
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}

	go s.OnError(err)
}

func (s *Scheduler) trySendControl(kind controlKind, data any) {
	select {
	case s.controlCh <- controlMsg{kind: kind, data: data}:
	default:
	}
}

// runScheduledReport closes the accounting interval: the running period is
// folded in, the interval's totals are published, and, when configured, the
// totals are reset so the next interval starts from zero.
func runScheduledReport() error {
	sampleLoopLock.Lock()
	defer sampleLoopLock.Unlock()

	sampleLoopInner()

	snap := mtr.Snapshot()
	resets := conf.ScheduleResetsTotals()

	if sseHub != nil {
		sseHub.Publish(events.ScheduleReport, events.ScheduleReportEvent{
			Volume:      snap.TotalVolume,
			DurationMs:  snap.TotalDuration.Milliseconds(),
			TotalsReset: resets,
			Ts:          time.Now().Unix(),
		})
	}

	logrus.WithFields(logrus.Fields{
		"volume":      snap.TotalVolume,
		"durationMs":  snap.TotalDuration.Milliseconds(),
		"totalsReset": resets,
	}).Info("scheduled accounting report")

	if resets {
		resetTotals()
	}
	return nil
}

// resetTotals starts a new accounting interval and announces it.
func resetTotals() {
	prev := mtr.TotalVolume()
	mtr.ResetTotals()
	gaugeTotalVolume.Set(0)

	if sseHub != nil {
		sseHub.Publish(events.TotalsReset, events.TotalsResetEvent{
			PreviousVolume: prev,
			Ts:             time.Now().Unix(),
		})
	}

	logrus.WithField("previousVolume", prev).Info("totals reset")
}

// reportPreCheck holds a scheduled report back while a draw test is in
// flight, but only when the report would reset the totals; a plain report
// disturbs nothing.
func reportPreCheck() error {
	if conf.ScheduleResetsTotals() && calibrationBusy() {
		return errors.New("draw test in progress; deferring the totals reset")
	}
	return nil
}

func notifyUpcomingReport(data any) {
	runAt, ok := data.(time.Time)
	if !ok {
		return
	}

	if sseHub != nil {
		sseHub.Publish(events.ScheduleUpcoming, events.ScheduleUpcomingEvent{
			RunAt:       runAt.Unix(),
			TotalsReset: conf.ScheduleResetsTotals(),
			Ts:          time.Now().Unix(),
		})
	}
}

func notifyScheduleError(data any) {
	err, ok := data.(error)
	if !ok {
		return
	}
	logrus.WithError(err).Warn("scheduled report")
}

// applySchedule sets the cron expression for scheduled reports and returns
// the next few run times. An empty expression disables the schedule.
func applySchedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		prevCron := conf.Schedule()
		if prevCron == "" {
			// Already disabled
			return nil, nil
		}

		conf.SetSchedule("")
		if err := conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		scheduler.Stop()
		logrus.Info("report schedule disabled")
		return nil, nil
	}

	// Validate cron expression
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	conf.SetSchedule(cronExpr)
	if err := conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	if err := scheduler.Schedule(cronExpr); err != nil {
		logrus.WithError(err).Error("failed to schedule report")
		return nil, err
	}
	scheduler.Start()

	// generate three next run times for the response
	nextRuns := []time.Time{}
	now := time.Now()
	for i := 0; i < 3; i++ {
		next := sched.Next(now)
		nextRuns = append(nextRuns, next)
		now = next
	}

	logrus.WithField("nextRun", nextRuns[0].Format(time.DateTime)).Info("report schedule set")

	return nextRuns, nil
}

func postponeSchedule(duration time.Duration) error {
	if err := scheduler.Postpone(duration); err != nil {
		logrus.WithError(err).Error("failed to postpone scheduled report")
		return err
	}

	logrus.Infof("next scheduled report postponed by %s", duration)
	return nil
}

func skipNextSchedule() error {
	if err := scheduler.Skip(); err != nil {
		logrus.WithError(err).Error("failed to skip next scheduled report")
		return err
	}

	logrus.Info("next scheduled report skipped")
	return nil
}
