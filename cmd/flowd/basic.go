package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meterkit/flowd/pkg/meter"
	"github.com/meterkit/flowd/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewSensorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sensor [name]",
		Short:   "Show or select the sensor profile",
		GroupID: gBasic,
		Long: `Show or select the sensor profile.

Without arguments, the current sensor and its effective profile are shown. With a profile name, the daemon switches to that sensor's reference profile; any calibrated meter factors are discarded, since they belong to the previous sensor.

Use 'flowd sensor list' to see the known profiles.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				name, err := apiClient.GetSensor()
				if err != nil {
					return fmt.Errorf("failed to get sensor: %v", err)
				}
				props, err := apiClient.GetProfile()
				if err != nil {
					return fmt.Errorf("failed to get sensor profile: %v", err)
				}

				cmd.Printf("Sensor: %s\n", bold(name))
				cmd.Printf("  K-factor: %s\n", bold("%.2f pulses/s per l/min", props.KFactor))
				cmd.Printf("  Capacity: %s\n", bold("%.0f l/min", props.Capacity))
				cmd.Printf("  Meter factors: %s\n", bold("%v", props.MeterFactor))
				return nil
			}

			ret, err := apiClient.SetSensor(args[0])
			if err != nil {
				return fmt.Errorf("failed to set sensor: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("successfully selected sensor %s", args[0])

			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known sensor profiles",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range meter.SensorNames() {
				props, _ := meter.SensorByName(name)
				cmd.Printf("%-10s k-factor %5.2f, capacity %3.0f l/min\n", name, props.KFactor, props.Capacity)
			}
		},
	})

	return cmd
}

func NewResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reset",
		Short:   "Discard the running measurement period",
		GroupID: gBasic,
		Long: `Discard the running measurement period.

Pending pulses and the current reading are cleared; accumulated totals are kept. Useful after maintenance work that rattled the sensor.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Reset()
			if err != nil {
				return fmt.Errorf("failed to reset meter: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("successfully reset the running period")

			return nil
		},
	}
}

func NewResetTotalsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reset-totals",
		Short:   "Reset accumulated totals to zero",
		GroupID: gBasic,
		Long: `Reset accumulated totals to zero.

The accumulated volume, measuring time and error figures start over. The running measurement period is not touched. This closes an accounting interval by hand; scheduled reports can do it automatically.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.ResetTotals()
			if err != nil {
				return fmt.Errorf("failed to reset totals: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("successfully reset totals")

			return nil
		},
	}
}
