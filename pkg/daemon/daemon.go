package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/meterkit/flowd/pkg/config"
	"github.com/meterkit/flowd/pkg/events"
	"github.com/meterkit/flowd/pkg/meter"
	"github.com/meterkit/flowd/pkg/source"
)

var (
	mtr       *meter.Meter
	conf      config.Config
	src       source.Source
	sseHub    *events.EventHub
	scheduler *Scheduler
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", getConfig)
	router.GET("/status", getStatus)
	router.GET("/flowrate", getFlowrate)
	router.GET("/volume", getVolume)
	router.GET("/totals", getTotals)
	router.GET("/sensor", getSensor)
	router.PUT("/sensor", setSensor)
	router.GET("/profile", getProfile)
	router.PUT("/profile", setProfile)
	router.PUT("/capacity", setCapacity)
	router.PUT("/k-factor", setKFactor)
	router.PUT("/meter-factor", setMeterFactor)
	router.GET("/tick-interval", getTickInterval)
	router.PUT("/tick-interval", setTickInterval)
	router.POST("/tick", forceTick)
	router.POST("/reset", resetMeter)
	router.POST("/reset-totals", resetMeterTotals)
	router.GET("/schedule", getSchedule)
	router.PUT("/schedule", setSchedule)
	router.PUT("/schedule/resets-totals", setScheduleResetsTotals)
	router.POST("/schedule/skip", skipSchedule)
	router.POST("/schedule/postpone", postponeScheduleHandler)
	router.GET("/calibration", getCalibration)
	router.POST("/calibration/start", calibrationStart)
	router.POST("/calibration/stop", calibrationStop)
	router.POST("/calibration/submit", calibrationSubmit)
	router.POST("/calibration/cancel", calibrationCancel)
	router.GET("/telemetry", getTelemetry)
	router.GET("/events", getEvents)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/version", getVersion)

	return router
}

// buildSource constructs the pulse input described by the config. The sim
// source needs the k-factor so its pulse rate matches the configured
// flowrate.
func buildSource(spec config.SourceSpec, kFactor float64) (source.Source, error) {
	switch spec.Type {
	case config.SourceGPIO:
		return source.NewGPIO(spec.GPIOChip, spec.GPIOLine, spec.GPIODebounce), nil
	case config.SourceSerial:
		return source.NewSerial(spec.SerialPort, spec.SerialBaud), nil
	case config.SourceSim:
		if spec.SimSweepMax > spec.SimFlowrate {
			return source.NewSimSweep(spec.SimFlowrate, spec.SimSweepMax, spec.SimSweepPeriod, kFactor), nil
		}
		return source.NewSim(spec.SimFlowrate, kFactor), nil
	default:
		return nil, fmt.Errorf("unknown pulse source %q", spec.Type)
	}
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	router := setupRoutes()

	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	props := conf.Sensor()
	if err := props.Validate(); err != nil {
		logrus.Fatalf("configured sensor profile is invalid: %v", err)
	}

	srcSpec := conf.Source()
	src, err = buildSource(srcSpec, props.KFactor)
	if err != nil {
		logrus.Fatal(err)
	}

	mtr, err = meter.New(src.Description(), props)
	if err != nil {
		logrus.Fatal(err)
	}
	lastTickTime = time.Now()

	sseHub = events.NewEventHub()

	scheduler = NewScheduler(runScheduledReport, reportPreCheck, notifyUpcomingReport, notifyScheduleError)

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			applyReloadedConfig()
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// Create the socket to listen on:
	_ = os.Remove(unixSocketPath)
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	initCalibrationState(filepath.Join(filepath.Dir(configPath), "calibration-state.json"))

	if spec := conf.Schedule(); spec != "" {
		if err := scheduler.Schedule(spec); err != nil {
			logrus.Errorf("configured schedule is invalid, reports disabled: %v", err)
		} else {
			scheduler.Start()
		}
	}

	// Start the pulse input
	logrus.WithField("source", src.Description()).Info("opening pulse source")
	if err := src.Open(func(n uint64) {
		mtr.CountN(n)
		counterPulses.Add(float64(n))
	}); err != nil {
		logrus.Fatal(err)
	}

	go func() {
		logrus.Debugln("sampling loop starts")

		samplingLoop()

		logrus.Errorf("sampling loop exited unexpectedly")
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("stopping scheduler")
	scheduler.Stop()

	logrus.Info("closing pulse source")
	if err := src.Close(); err != nil {
		logrus.Errorf("failed to close pulse source: %v", err)
	}

	persistCalibrationState()

	logrus.Info("exiting")
	return nil
}

// applyReloadedConfig pushes reloadable settings into the running daemon.
// The pulse source is deliberately not rebuilt; changing it requires a
// restart.
func applyReloadedConfig() {
	if calibrationBusy() {
		logrus.Warn("draw test in progress, reloaded sensor profile not applied")
	} else {
		props := conf.Sensor()
		if err := props.Validate(); err != nil {
			logrus.Errorf("reloaded sensor profile is invalid, keeping the old one: %v", err)
		} else if err := mtr.SetProperties(props); err != nil {
			logrus.Errorf("failed to apply reloaded sensor profile: %v", err)
		}
	}

	if spec := conf.Schedule(); spec == "" {
		scheduler.Stop()
	} else if err := scheduler.Schedule(spec); err != nil {
		logrus.Errorf("reloaded schedule is invalid: %v", err)
	} else {
		scheduler.Start()
	}
}
