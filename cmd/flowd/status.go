package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meterkit/flowd/pkg/calibration"
	"github.com/meterkit/flowd/pkg/flowinfo"
)

func NewStatusCommand() *cobra.Command {
	jsonOut := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the meter",
		Long:    `Get meter readings, accumulated totals, report schedule, and calibration state.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tel, err := apiClient.GetTelemetry()
			if err != nil {
				return fmt.Errorf("failed to get telemetry: %w", err)
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tel)
			}

			printStatusText(cmd, tel)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw telemetry as JSON")

	return cmd
}

func printStatusText(cmd *cobra.Command, tel *flowinfo.Telemetry) {
	st := tel.Status
	r := st.Reading
	t := st.Totals

	// Current reading.
	cmd.Println(bold("Meter status:"))
	cmd.Printf("  Sensor: %s (k-factor %.2f, capacity %.0f l/min)\n", bold(st.Pin), st.Sensor.KFactor, st.Sensor.Capacity)
	cmd.Printf("  Source: %s\n", tel.Source)
	cmd.Printf("  Flow rate: %s\n", bold("%.2f l/min", r.Flowrate))
	cmd.Printf("  Decile: %s (correction ×%.3f)\n", bold("%d", r.Decile), r.Correction)
	cmd.Printf("  Period volume: %s over %s\n", bold("%.3f L", r.Volume), time.Duration(r.DurationMs)*time.Millisecond)
	if r.PendingPulses > 0 {
		cmd.Printf("  Pending pulses: %d\n", r.PendingPulses)
	}
	cmd.Printf("  Estimated error: %.1f%%\n", r.Error*100)

	cmd.Println()

	// Totals.
	cmd.Println(bold("Totals:"))
	cmd.Printf("  Volume: %s\n", bold("%.3f L", t.Volume))
	cmd.Printf("  Measuring time: %s over %d periods\n", (time.Duration(t.DurationMs) * time.Millisecond).Round(time.Second), t.Periods)
	cmd.Printf("  Average flow rate: %s\n", bold("%.2f l/min", t.Flowrate))
	cmd.Printf("  Estimated error: %.1f%%\n", t.Error*100)

	cmd.Println()

	// Schedule.
	cmd.Println(bold("Report schedule:"))
	if tel.Schedule.Spec == "" {
		cmd.Println("  Enabled: " + bool2Text(false))
	} else {
		cmd.Printf("  Enabled: %s (%s)\n", bool2Text(tel.Schedule.Running), tel.Schedule.Spec)
		if !tel.Schedule.NextRun.IsZero() {
			cmd.Printf("  Next run: %s\n", bold(tel.Schedule.NextRun.Local().Format(time.DateTime)))
		}
		cmd.Printf("  Resets totals: %s\n", bool2Text(tel.Schedule.ResetsTotals))
	}

	// Calibration, only when something is going on.
	if cal := tel.Calibration; cal != nil && cal.Phase != calibration.PhaseIdle {
		cmd.Println()
		cmd.Println(bold("Calibration:"))
		cmd.Printf("  Phase: %s\n", bold(string(cal.Phase)))
		cmd.Printf("  Captured: %s over %ds (dominant decile %d)\n", bold("%.3f L", cal.CapturedVolume), cal.CaptureSeconds, cal.DominantDecile)
		if cal.Message != "" {
			cmd.Printf("  Message: %s\n", cal.Message)
		}
	}

	if len(tel.RecentTicks) > 0 {
		cmd.Println()
		cmd.Printf("Recent periods: %s ago\n", strings.Join(tel.RecentTicks, ", "))
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
