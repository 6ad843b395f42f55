package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meterkit/flowd/pkg/calibration"
)

func NewCalibrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Aliases: []string{"calibrate", "cali"},
		Short:   "Calibrate the meter with a draw test",
		Long: `Calibrate the meter with a draw test.

A draw test measures a known volume through the sensor and corrects the meter factor for the flow decile the test ran in:

  1. 'flowd calibration start', then draw liquid into a reference vessel
     at a steady rate.
  2. 'flowd calibration stop' once the vessel is full.
  3. 'flowd calibration submit <liters>' with the volume the vessel
     actually holds. The daemon computes and applies the correction.

Repeat at different flow rates to correct other deciles.`,
		GroupID: gBasic,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start capturing a draw test",
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.StartCalibration()
			if err != nil {
				return fmt.Errorf("failed to start draw test: %w", err)
			}
			fmt.Println(ret)
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop capturing; the reference volume is due next",
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.StopCalibration()
			if err != nil {
				return fmt.Errorf("failed to stop draw test: %w", err)
			}
			fmt.Println(ret)
			return nil
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit <liters>",
		Short: "Submit the reference vessel volume in liters",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ref, err := parseFloatArg(args, "reference volume")
			if err != nil {
				return err
			}

			ret, err := apiClient.SubmitCalibration(ref)
			if err != nil {
				return fmt.Errorf("failed to submit reference volume: %w", err)
			}
			fmt.Println(ret)
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the draw test without changing any factors",
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.CancelCalibration()
			if err != nil {
				return fmt.Errorf("failed to cancel draw test: %w", err)
			}
			fmt.Println(ret)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show current draw-test status",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := apiClient.GetCalibration()
			if err != nil {
				return fmt.Errorf("failed to fetch calibration status: %w", err)
			}
			printCalibrationStatus(st)
			return nil
		},
	}

	cmd.AddCommand(startCmd, stopCmd, submitCmd, cancelCmd, statusCmd)
	return cmd
}

func printCalibrationStatus(st *calibration.Status) {
	fmt.Printf("Phase: %s\n", bold(string(st.Phase)))
	if st.Phase == calibration.PhaseIdle {
		fmt.Println("No draw test is running.")
		return
	}
	fmt.Printf("Captured: %s\n", bold("%.3f L", st.CapturedVolume))
	fmt.Printf("Capture time: %s\n", bold("%ds", st.CaptureSeconds))
	fmt.Printf("Dominant decile: %s\n", bold("%d", st.DominantDecile))
	if st.Phase == calibration.PhaseCapturing {
		fmt.Printf("Current flow rate: %s\n", bold("%.2f l/min", st.CurrentFlowrate))
	}
	if !st.StartedAt.IsZero() {
		fmt.Printf("Started: %s (%s ago)\n", st.StartedAt.Format(time.RFC3339), time.Since(st.StartedAt).Round(time.Second))
	}
	fmt.Printf("Can Stop: %v  Can Submit: %v  Can Cancel: %v\n", st.CanStop, st.CanSubmit, st.CanCancel)
	if st.Message != "" {
		if st.Phase == calibration.PhaseError {
			fmt.Printf("Message: %s\n", color.RedString(st.Message))
		} else {
			fmt.Printf("Message: %s\n", st.Message)
		}
	}
}
