package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/meterkit/flowd/pkg/config"
	"github.com/meterkit/flowd/pkg/flowinfo"
	"github.com/meterkit/flowd/pkg/meter"
	"github.com/meterkit/flowd/pkg/version"
)

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, flowinfo.FromSnapshot(mtr.Snapshot()))
}

func getFlowrate(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, mtr.CurrentFlowrate())
}

func getVolume(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, mtr.TotalVolume())
}

func getTotals(c *gin.Context) {
	s := flowinfo.FromSnapshot(mtr.Snapshot())
	c.IndentedJSON(http.StatusOK, s.Totals)
}

func getSensor(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, conf.SensorName())
}

func getProfile(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, mtr.Properties())
}

// profileLocked rejects profile mutations while a draw test is running or
// awaiting its reference; changing factors under a capture would invalidate
// the correction math.
func profileLocked(c *gin.Context) bool {
	if !calibrationBusy() {
		return false
	}
	err := errors.New("a draw test is in progress; finish or cancel it before changing the profile")
	c.IndentedJSON(http.StatusConflict, err.Error())
	_ = c.AbortWithError(http.StatusConflict, err)
	return true
}

func setSensor(c *gin.Context) {
	var name string
	if err := c.BindJSON(&name); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if profileLocked(c) {
		return
	}

	props, ok := meter.SensorByName(name)
	if !ok {
		err := fmt.Errorf("unknown sensor %q, available sensors: %s", name, strings.Join(meter.SensorNames(), ", "))
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetSensorName(name)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if err := mtr.SetProperties(conf.Sensor()); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.Infof("set sensor profile to %s", name)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("sensor profile set to %s (k-factor %.2f, capacity %.0f l/min), takes effect next period", name, props.KFactor, props.Capacity))
}

func setProfile(c *gin.Context) {
	var props meter.SensorProperties
	if err := c.BindJSON(&props); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := props.Validate(); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if profileLocked(c) {
		return
	}

	conf.SetSensorProperties(props)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if err := mtr.SetProperties(props); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"kFactor":  props.KFactor,
		"capacity": props.Capacity,
	}).Info("set custom sensor profile")

	c.IndentedJSON(http.StatusCreated, "custom sensor profile applied, takes effect next period")
}

func setCapacity(c *gin.Context) {
	var v float64
	if err := c.BindJSON(&v); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if v <= 0 {
		err := fmt.Errorf("capacity must be positive, got %v", v)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if profileLocked(c) {
		return
	}

	props := mtr.Properties()
	props.Capacity = v
	applyProfile(c, props, fmt.Sprintf("set capacity to %v l/min", v))
}

func setKFactor(c *gin.Context) {
	var v float64
	if err := c.BindJSON(&v); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if v <= 0 {
		err := fmt.Errorf("k-factor must be positive, got %v", v)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if profileLocked(c) {
		return
	}

	props := mtr.Properties()
	props.KFactor = v
	applyProfile(c, props, fmt.Sprintf("set k-factor to %v", v))
}

func setMeterFactor(c *gin.Context) {
	var req struct {
		Decile int     `json:"decile"`
		Factor float64 `json:"factor"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if req.Decile < 0 || req.Decile >= meter.NumDeciles {
		err := fmt.Errorf("decile must be between 0 and %d, got %d", meter.NumDeciles-1, req.Decile)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if req.Factor <= 0 {
		err := fmt.Errorf("meter factor must be positive, got %v", req.Factor)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if profileLocked(c) {
		return
	}

	props := mtr.Properties()
	props.MeterFactor[req.Decile] = req.Factor
	applyProfile(c, props, fmt.Sprintf("set meter factor for decile %d to %v", req.Decile, req.Factor))
}

// applyProfile pushes an edited profile into the config and the meter, then
// answers the request. The callers have already validated the edit.
func applyProfile(c *gin.Context, props meter.SensorProperties, msg string) {
	if err := props.Validate(); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetSensorProperties(props)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if err := mtr.SetProperties(props); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.Info(msg)

	c.IndentedJSON(http.StatusCreated, msg)
}

func getTickInterval(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, int(conf.TickInterval()/time.Millisecond))
}

func setTickInterval(c *gin.Context) {
	var ms int
	if err := c.BindJSON(&ms); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if ms < 100 || ms > 3600*1000 {
		err := fmt.Errorf("tick interval must be between 100 ms and 1 h, got %d ms", ms)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetTickInterval(time.Duration(ms) * time.Millisecond)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// Continuity records measured under the old interval are meaningless
	// under the new one.
	tickRecorder.ClearRecords()

	logrus.Infof("set tick interval to %d ms", ms)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("tick interval set to %d ms", ms))
}

func resetMeter(c *gin.Context) {
	sampleLoopLock.Lock()
	mtr.Reset()
	lastTickTime = time.Now()
	sampleLoopLock.Unlock()

	gaugeFlowRate.Set(0)
	gaugeCorrection.Set(0)
	gaugeDecile.Set(0)

	logrus.Info("meter reset, totals kept")

	c.IndentedJSON(http.StatusCreated, "meter reset, totals kept")
}

func resetMeterTotals(c *gin.Context) {
	prev := mtr.TotalVolume()
	resetTotals()

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("totals reset, %.3f L closed out", prev))
}

func forceTick(c *gin.Context) {
	sampleLoop()
	c.IndentedJSON(http.StatusCreated, flowinfo.FromSnapshot(mtr.Snapshot()))
}

func getSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, scheduleInfo())
}

func scheduleInfo() flowinfo.ScheduleInfo {
	next, running := scheduler.Status()
	if !running {
		next = time.Time{}
	}
	return flowinfo.ScheduleInfo{
		Spec:         conf.Schedule(),
		ResetsTotals: conf.ScheduleResetsTotals(),
		Running:      running,
		NextRun:      next,
	}
}

func setSchedule(c *gin.Context) {
	var spec string
	if err := c.BindJSON(&spec); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	nextRuns, err := applySchedule(spec)
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if spec == "" {
		c.IndentedJSON(http.StatusCreated, "report schedule disabled")
		return
	}

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("report scheduled, next run %s", nextRuns[0].Format(time.DateTime)))
}

func setScheduleResetsTotals(c *gin.Context) {
	var b bool
	if err := c.BindJSON(&b); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetScheduleResetsTotals(b)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.Infof("set schedule resets totals to %t", b)

	c.IndentedJSON(http.StatusCreated, "ok")
}

func skipSchedule(c *gin.Context) {
	if err := skipNextSchedule(); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, "next scheduled report skipped")
}

func postponeScheduleHandler(c *gin.Context) {
	var seconds int
	if err := c.BindJSON(&seconds); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if seconds <= 0 {
		err := fmt.Errorf("postpone seconds must be positive, got %d", seconds)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	d := time.Duration(seconds) * time.Second
	if err := postponeSchedule(d); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("next scheduled report postponed by %s", d))
}

func getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, getCalibrationStatus())
}

func calibrationStart(c *gin.Context) {
	if err := startCalibration(); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	logrus.Info("draw-test calibration started")

	c.IndentedJSON(http.StatusCreated, "draw test started, stop it once the reference vessel is full")
}

func calibrationStop(c *gin.Context) {
	if err := stopCalibration(); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	st := getCalibrationStatus()

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("capture stopped, %.3f L measured, submit the reference volume", st.CapturedVolume))
}

func calibrationSubmit(c *gin.Context) {
	var ref float64
	if err := c.BindJSON(&ref); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	decile, factor, err := submitCalibration(ref)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrCalibrationNoReferenceDue) {
			status = http.StatusConflict
		}
		c.IndentedJSON(status, err.Error())
		_ = c.AbortWithError(status, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("meter factor for decile %d set to %.4f", decile, factor))
}

func calibrationCancel(c *gin.Context) {
	if err := cancelCalibration(); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, "draw test canceled")
}

func getTelemetry(c *gin.Context) {
	interval := conf.TickInterval()

	c.IndentedJSON(http.StatusOK, flowinfo.Telemetry{
		Status:      flowinfo.FromSnapshot(mtr.Snapshot()),
		Source:      src.Description(),
		Schedule:    scheduleInfo(),
		Calibration: getCalibrationStatus(),
		RecentTicks: formatRelativeTimes(tickRecorder.GetLastRecords(continuityWindow(interval))),
		Version:     version.Version,
	})
}

func getEvents(c *gin.Context) {
	ch := sseHub.Subscribe()
	defer sseHub.Unsubscribe(ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
