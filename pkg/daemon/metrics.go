package daemon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meterkit/flowd/pkg/meter"
)

var (
	gaugeFlowRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowd_flow_rate_lpm",
		Help: "Corrected flow rate over the last measurement period, in liters per minute.",
	})
	gaugeTotalVolume = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowd_total_volume_liters",
		Help: "Accumulated volume since the totals were last reset, in liters. Drops to zero on reset, hence a gauge.",
	})
	gaugeCorrection = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowd_correction_factor",
		Help: "Meter factor applied to the last measurement period.",
	})
	gaugeDecile = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowd_flow_decile",
		Help: "Decile of sensor capacity the last period's flow rate fell into (0-9).",
	})
	counterPulses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowd_pulses_total",
		Help: "Sensor pulses received since the daemon started.",
	})
	counterTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowd_ticks_total",
		Help: "Measurement periods completed since the daemon started.",
	})
	counterMissedTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowd_missed_ticks_total",
		Help: "Sampling loop runs that arrived late enough to break period continuity.",
	})
)

func init() {
	prometheus.MustRegister(
		gaugeFlowRate,
		gaugeTotalVolume,
		gaugeCorrection,
		gaugeDecile,
		counterPulses,
		counterTicks,
		counterMissedTicks,
	)
}

func updateMetrics(snap meter.Snapshot) {
	gaugeFlowRate.Set(snap.CurrentFlowrate)
	gaugeTotalVolume.Set(snap.TotalVolume)
	gaugeCorrection.Set(snap.CurrentCorrection)
	gaugeDecile.Set(float64(snap.CurrentDecile))
	counterTicks.Inc()
}
