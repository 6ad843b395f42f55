package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meterkit/flowd/pkg/events"
)

func NewProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profile",
		Short:   "Inspect or edit the sensor profile",
		GroupID: gAdvanced,
		Long: `Inspect or edit the sensor profile.

The profile is the sensor's datasheet in numbers: a k-factor (pulses per second per l/min), a capacity (the top of the working range, l/min), and one meter factor per flow decile. Editing any field turns the profile into a custom one.

Prefer 'flowd calibration' over editing meter factors by hand; the draw test computes them from an actual measurement.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			props, err := apiClient.GetProfile()
			if err != nil {
				return fmt.Errorf("failed to get sensor profile: %v", err)
			}

			cmd.Printf("K-factor: %s\n", bold("%.2f pulses/s per l/min", props.KFactor))
			cmd.Printf("Capacity: %s\n", bold("%.0f l/min", props.Capacity))
			cmd.Println("Meter factors:")
			for i, f := range props.MeterFactor {
				lo := props.Capacity / 10 * float64(i)
				hi := props.Capacity / 10 * float64(i+1)
				cmd.Printf("  decile %d (%5.1f–%5.1f l/min): %.4f\n", i, lo, hi, f)
			}
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "k-factor <value>",
			Short: "Set the k-factor (pulses/s per l/min)",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				k, err := parseFloatArg(args, "k-factor")
				if err != nil {
					return err
				}

				ret, err := apiClient.SetKFactor(k)
				if err != nil {
					return fmt.Errorf("failed to set k-factor: %v", err)
				}

				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}

				logrus.Infof("successfully set k-factor to %v", k)

				return nil
			},
		},
		&cobra.Command{
			Use:   "capacity <l/min>",
			Short: "Set the sensor capacity (top of the working range)",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				v, err := parseFloatArg(args, "capacity")
				if err != nil {
					return err
				}

				ret, err := apiClient.SetCapacity(v)
				if err != nil {
					return fmt.Errorf("failed to set capacity: %v", err)
				}

				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}

				logrus.Infof("successfully set capacity to %v l/min", v)

				return nil
			},
		},
		&cobra.Command{
			Use:   "meter-factor <decile> <factor>",
			Short: "Set the correction factor for one flow decile",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				decile, err := parseIntArg(args[:1], "decile")
				if err != nil {
					return err
				}
				factor, err := parseFloatArg(args[1:], "factor")
				if err != nil {
					return err
				}

				ret, err := apiClient.SetMeterFactor(decile, factor)
				if err != nil {
					return fmt.Errorf("failed to set meter factor: %v", err)
				}

				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}

				logrus.Infof("successfully set meter factor for decile %d to %v", decile, factor)

				return nil
			},
		},
	)

	return cmd
}

func NewTickIntervalCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "tick-interval [milliseconds]",
		Short:   "Show or set the sampling period length",
		GroupID: gAdvanced,
		Long: `Show or set the sampling period length in milliseconds.

Shorter periods give snappier readings but noisier flow rates, since fewer pulses land in each period. 1000 ms suits most sensors.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				d, err := apiClient.GetTickInterval()
				if err != nil {
					return fmt.Errorf("failed to get tick interval: %v", err)
				}
				cmd.Printf("Tick interval: %s\n", bold(d.String()))
				return nil
			}

			ms, err := parseIntArg(args, "tick interval")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetTickInterval(time.Duration(ms) * time.Millisecond)
			if err != nil {
				return fmt.Errorf("failed to set tick interval: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("successfully set tick interval to %d ms", ms)

			return nil
		},
	}
}

func NewTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "tick",
		Short:   "Force the running period to close now",
		GroupID: gAdvanced,
		Long: `Force the running period to close now.

The daemon folds whatever pulses have arrived into the totals and starts a new period immediately. Mostly useful when testing a sensor on the bench.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.Tick()
			if err != nil {
				return fmt.Errorf("failed to force a tick: %v", err)
			}

			cmd.Printf("Period closed: %.3f L at %.2f l/min (total %.3f L)\n",
				st.Reading.Volume, st.Reading.Flowrate, st.Totals.Volume)

			return nil
		},
	}
}

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Stream live meter events",
		GroupID: gAdvanced,
		Long: `Stream live meter events.

Prints one line per completed measurement period, plus calibration phase changes, scheduled reports, and totals resets as they happen. Press Ctrl-C to stop.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			evCh := apiClient.SubscribeEvents(ctx)

			for ev := range evCh {
				switch ev.Name {
				case events.Reading:
					payload, err := events.DecodeAs[events.ReadingEvent](ev)
					if err != nil {
						logrus.WithError(err).Error("failed to decode reading event")
						continue
					}
					cmd.Printf("%s  %8.2f l/min  %+.3f L  total %10.3f L\n",
						time.Unix(payload.Ts, 0).Format(time.TimeOnly),
						payload.Flowrate, payload.Volume, payload.TotalVolume)
				case events.CalibrationPhase:
					payload, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
					if err != nil {
						logrus.WithError(err).Error("failed to decode calibration.phase event")
						continue
					}
					cmd.Printf("%s  calibration %s -> %s: %s\n",
						time.Unix(payload.Ts, 0).Format(time.TimeOnly),
						payload.From, payload.To, payload.Message)
				case events.ScheduleUpcoming:
					payload, err := events.DecodeAs[events.ScheduleUpcomingEvent](ev)
					if err != nil {
						logrus.WithError(err).Error("failed to decode schedule.upcoming event")
						continue
					}
					cmd.Printf("%s  report due at %s (resets totals: %v)\n",
						time.Unix(payload.Ts, 0).Format(time.TimeOnly),
						time.Unix(payload.RunAt, 0).Format(time.TimeOnly), payload.TotalsReset)
				case events.ScheduleReport:
					payload, err := events.DecodeAs[events.ScheduleReportEvent](ev)
					if err != nil {
						logrus.WithError(err).Error("failed to decode schedule.report event")
						continue
					}
					cmd.Printf("%s  report: %.3f L over %s\n",
						time.Unix(payload.Ts, 0).Format(time.TimeOnly),
						payload.Volume, (time.Duration(payload.DurationMs) * time.Millisecond).Round(time.Second))
				case events.TotalsReset:
					payload, err := events.DecodeAs[events.TotalsResetEvent](ev)
					if err != nil {
						logrus.WithError(err).Error("failed to decode totals.reset event")
						continue
					}
					cmd.Printf("%s  totals reset (%.3f L closed out)\n",
						time.Unix(payload.Ts, 0).Format(time.TimeOnly), payload.PreviousVolume)
				default:
					cmd.Printf("%s  %s\n", ev.Name, string(ev.Data))
				}
			}

			return nil
		},
	}
}
