package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"engine/internal/config"
	"engine/internal/executor"
	"engine/internal/logging"
	"engine/internal/observability"
	"engine/internal/runner"
	"engine/internal/schedule"
	"engine/internal/webhook"
)

func newScheduleCommand(cfg *config.Config, logger logging.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron schedules",
	}
	cmd.AddCommand(
		newScheduleAddCommand(logger),
		newScheduleListCommand(),
		newScheduleRemoveCommand(),
		newScheduleToggleCommand("enable", true),
		newScheduleToggleCommand("disable", false),
		newScheduleRunCommand(cfg, logger),
	)
	return cmd
}

func openStore() *schedule.FileStore {
	return schedule.NewFileStore(schedule.DefaultStorePath())
}

func newScheduleAddCommand(logger logging.Logger) *cobra.Command {
	var (
		cronExpr     string
		name         string
		description  string
		timezone     string
		envPairs     []string
		allowOverlap bool
		maxRetries   int
		timeoutStr   string
	)

	cmd := &cobra.Command{
		Use:   "add <workflow.yaml>",
		Short: "Register a workflow on a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseKeyValues(envPairs, "-e")
			if err != nil {
				return exitWith(exitValidation, err)
			}

			expr := cronExpr
			if timezone != "" {
				expr = "CRON_TZ=" + timezone + " " + expr
			}

			policy := schedule.DefaultExecutionPolicy()
			policy.AllowOverlap = allowOverlap
			policy.MaxRetries = maxRetries
			if timeoutStr != "" {
				d, err := time.ParseDuration(timeoutStr)
				if err != nil {
					return exitWith(exitValidation, fmt.Errorf("--timeout %q: %w", timeoutStr, err))
				}
				policy.Timeout = schedule.Duration(d)
			}

			store := openStore()
			orch := schedule.NewOrchestrator(store, schedule.NewEngine(), nil, runner.NewPublisher(logger), logger)
			entry := &schedule.WorkflowSchedule{
				WorkflowPath:    args[0],
				CronExpression:  expr,
				Name:            name,
				Description:     description,
				Enabled:         true,
				InputParameters: params,
				ExecutionPolicy: policy,
			}
			if err := orch.AddSchedule(entry); err != nil {
				return exitWith(exitValidation, err)
			}

			engine := schedule.NewEngine()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schedule %s (%s)\n",
				green("Added"), entry.DisplayName(), engine.Description(entry.CronExpression))
			if entry.NextRunAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  id: %s\n  next run: %s\n",
					entry.ID, entry.NextRunAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cronExpr, "cron", "", "cron expression, 5 or 6 fields (required)")
	flags.StringVar(&name, "name", "", "schedule name")
	flags.StringVar(&description, "description", "", "schedule description")
	flags.StringVar(&timezone, "timezone", "", "IANA timezone for the cron expression")
	flags.StringArrayVarP(&envPairs, "env", "e", nil, "input parameter NAME=VALUE (repeatable)")
	flags.BoolVar(&allowOverlap, "allow-overlap", false, "allow concurrent runs of this schedule")
	flags.IntVar(&maxRetries, "max-retries", 0, "relaunch a failed run up to N times")
	flags.StringVar(&timeoutStr, "timeout", "", "per-run timeout, Go duration syntax")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func newScheduleListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schedules, err := openStore().GetAll()
			if err != nil {
				return exitWith(exitExecution, err)
			}
			out := cmd.OutOrStdout()
			if len(schedules) == 0 {
				fmt.Fprintln(out, "No schedules registered.")
				return nil
			}
			engine := schedule.NewEngine()
			for _, s := range schedules {
				state := green("enabled")
				if !s.Enabled {
					state = gray("disabled")
				}
				fmt.Fprintf(out, "%s  %s  [%s]\n", bold(s.ID), s.DisplayName(), state)
				fmt.Fprintf(out, "    %s  %s\n", s.WorkflowPath, gray(engine.Description(s.CronExpression)))
				if s.NextRunAt != nil {
					fmt.Fprintf(out, "    next run: %s\n", s.NextRunAt.Format(time.RFC3339))
				}
				if s.LastRunAt != nil {
					fmt.Fprintf(out, "    last run: %s\n", s.LastRunAt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
}

func newScheduleRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openStore().Delete(args[0]); err != nil {
				return exitWith(exitValidation, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schedule %s\n", green("Removed"), args[0])
			return nil
		},
	}
}

func newScheduleToggleCommand(verb string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: capitalize(verb) + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := openStore()
			s, err := store.Get(args[0])
			if err != nil {
				return exitWith(exitValidation, err)
			}
			s.Enabled = enable
			if enable {
				next, err := schedule.NewEngine().NextOccurrence(s.CronExpression, time.Now())
				if err != nil {
					return exitWith(exitValidation, err)
				}
				s.NextRunAt = &next
			}
			if err := store.Save(s); err != nil {
				return exitWith(exitExecution, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schedule %s\n", green(capitalize(verb)+"d"), s.DisplayName())
			return nil
		},
	}
}

func newScheduleRunCommand(cfg *config.Config, logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the schedule orchestrator in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			publisher := runner.NewPublisher(logger)
			observability.NewMetrics(nil).Attach(publisher)

			exec := executor.New(logger)
			if cfg.Shell != "" {
				exec.SetDefaultShell(cfg.Shell)
			}
			r := runner.New(exec, publisher, logger)
			r.SetWebhookNotifier(webhook.NewNotifier(publisher, logger))

			orch := schedule.NewOrchestrator(
				openStore(), schedule.NewEngine(), schedule.NewRunnerLauncher(r), publisher, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintln(cmd.OutOrStdout(), bold("Schedule orchestrator running, ctrl-c to stop"))
			publisher.Subscribe(func(event runner.Event) {
				switch event.Kind {
				case runner.EventScheduledRunTriggered:
					fmt.Fprintf(cmd.OutOrStdout(), "%s schedule %s -> run %s\n",
						cyan("▶"), event.ScheduleID, event.RunID)
				case runner.EventScheduledRunCompleted:
					fmt.Fprintf(cmd.OutOrStdout(), "%s schedule %s run %s %s\n",
						green("✓"), event.ScheduleID, event.RunID, styleStatus(string(event.RunStatus)))
				}
			})

			orch.Start(ctx)
			<-ctx.Done()
			orch.Stop()
			return nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-('a'-'A')) + s[1:]
}
