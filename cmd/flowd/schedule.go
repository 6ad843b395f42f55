package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sche", "sched"},
		Short:   "Manage automatic accounting reports",
		Long: `Manage automatic accounting reports.

On schedule, the daemon closes the running period, logs and publishes the accumulated totals, and (when enabled) resets the totals so the next interval starts from zero.

The schedule command can be used in multiple ways:
  flowd schedule 'minute hour day month weekday' Set schedule with cron expression
  flowd schedule disable                         Disable the schedule
  flowd schedule postpone [duration]             Postpone next run
  flowd schedule skip                            Skip next run
  flowd schedule show                            Show current schedule
  flowd schedule resets-totals enable|disable    Reset totals after each report`,
		Example: `  flowd schedule '0 0 * * *' (At midnight every day)
  flowd schedule '0 0 1 * *' (At midnight on the first day of every month)
  flowd schedule '0 6 * * 1' (At 06:00 on Monday)`,
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
		newScheduleResetsTotalsCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable the report schedule",
		Long:  "Disable the automatic accounting report schedule.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleDisable(cmd)
		},
	}
	return cmd
}

func newSchedulePostponeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled report",
		Example: `  flowd schedule postpone      (Postpone by 1 hour)
  flowd schedule postpone 90m  (Postpone by 90 minutes)
  flowd schedule postpone 2h   (Postpone by 2 hours)`,
		Long: `Postpone the next scheduled report by a specified duration.
If no duration is provided, defaults to 1 hour.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour // default
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}

	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled report",
		Long:  "Skip the next scheduled report.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleSkip(cmd)
		},
	}
	return cmd
}

func newScheduleShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current report schedule",
		Long:  "Show the current report schedule and the next run time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleShow(cmd)
		},
	}
	return cmd
}

func newScheduleResetsTotalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resets-totals",
		Short: "Set whether a scheduled report resets the totals",
		Long: `Set whether a scheduled report resets the totals.

When enabled, each scheduled report closes the accounting interval: after the totals are reported, they are reset to zero so the next interval starts fresh. When disabled, reports only log the running totals.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable",
			Short: "Reset totals after each scheduled report",
			RunE: func(_ *cobra.Command, _ []string) error {
				ret, err := apiClient.SetScheduleResetsTotals(true)
				if err != nil {
					return fmt.Errorf("failed to enable resets-totals: %v", err)
				}
				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}
				logrus.Infof("scheduled reports will reset totals")
				return nil
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Keep totals accumulating across reports",
			RunE: func(_ *cobra.Command, _ []string) error {
				ret, err := apiClient.SetScheduleResetsTotals(false)
				if err != nil {
					return fmt.Errorf("failed to disable resets-totals: %v", err)
				}
				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}
				logrus.Infof("scheduled reports will keep totals")
				return nil
			},
		},
	)

	return cmd
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	ret, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Println(ret)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule(""); err != nil {
		return err
	}
	cmd.Println("Report schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, duration time.Duration) error {
	if _, err := apiClient.PostponeSchedule(duration); err != nil {
		return err
	}
	cmd.Printf("Next report postponed by %s.\n", duration)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	if _, err := apiClient.SkipSchedule(); err != nil {
		return err
	}
	cmd.Println("Next scheduled report skipped.")
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	si, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if si.Spec == "" {
		cmd.Println("Report schedule is not set.")
		return nil
	}
	cmd.Printf("Schedule: %s\n", si.Spec)
	cmd.Printf("Running: %v\n", si.Running)
	if !si.NextRun.IsZero() {
		cmd.Printf("Next run: %s\n", si.NextRun.Local().Format(time.DateTime))
	}
	cmd.Printf("Resets totals: %v\n", si.ResetsTotals)
	return nil
}
