package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"engine/internal/config"
	"engine/internal/executor"
	"engine/internal/listener"
	"engine/internal/logging"
	"engine/internal/observability"
	"engine/internal/runner"
	"engine/internal/schedule"
	"engine/internal/trigger"
	"engine/internal/webhook"
)

func newTriggerCommand(cfg *config.Config, logger logging.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run and inspect chat/webhook triggers",
	}
	cmd.AddCommand(
		newTriggerRunCommand(cfg, logger),
		newTriggerValidateCommand(),
		newTriggerListCommand(),
		newTriggerTestCommand(logger),
	)
	return cmd
}

func newTriggerValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <triggers.yaml>",
		Short: "Parse and validate a trigger configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := trigger.LoadConfig(args[0])
			if err != nil {
				return exitWith(exitValidation, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d trigger rules valid\n", green("OK"), len(cfg.Rules))
			return nil
		},
	}
}

func newTriggerListCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trigger rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := trigger.LoadConfig(configPath)
			if err != nil {
				return exitWith(exitValidation, err)
			}
			out := cmd.OutOrStdout()
			for _, rule := range cfg.Rules {
				state := green("enabled")
				if !rule.IsEnabled() {
					state = gray("disabled")
				}
				sources := make([]string, 0, len(rule.Sources))
				for _, s := range rule.Sources {
					sources = append(sources, string(s))
				}
				fmt.Fprintf(out, "%s  [%s]  %s\n", bold(rule.Name), state, strings.Join(sources, ", "))
				switch rule.Type {
				case trigger.TypeKeyword:
					fmt.Fprintf(out, "    %s: %s\n", rule.Type, strings.Join(rule.Keywords, ", "))
				default:
					fmt.Fprintf(out, "    %s: %s\n", rule.Type, rule.Pattern)
				}
				fmt.Fprintf(out, "    workflow: %s\n", rule.WorkflowPath)
				if rule.Cooldown > 0 {
					fmt.Fprintf(out, "    cooldown: %s\n", rule.Cooldown.D())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "triggers.yaml", "trigger configuration file")
	return cmd
}

func newTriggerTestCommand(logger logging.Logger) *cobra.Command {
	var (
		configPath string
		source     string
	)
	cmd := &cobra.Command{
		Use:   "test <message>",
		Short: "Match a message against the rules without dispatching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := trigger.LoadConfig(configPath)
			if err != nil {
				return exitWith(exitValidation, err)
			}

			matcher := trigger.NewMatcher(cfg.Rules, runner.NewPublisher(logger), logger)
			msg := &trigger.IncomingMessage{
				MessageID:  "test",
				Source:     trigger.Source(source),
				Text:       args[0],
				Username:   "cli",
				ReceivedAt: time.Now(),
			}

			out := cmd.OutOrStdout()
			match := matcher.Match(msg)
			if match == nil {
				fmt.Fprintln(out, "No rule matched.")
				return exitWith(exitExecution, nil)
			}

			fmt.Fprintf(out, "%s rule %s -> %s\n", green("Matched"), bold(match.Rule.Name), match.Rule.WorkflowPath)
			if len(match.Captures) > 0 {
				keys := make([]string, 0, len(match.Captures))
				for k := range match.Captures {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "    %s = %s\n", k, match.Captures[k])
				}
			}
			if match.Rule.ResponseTemplate != "" {
				response := trigger.ResolveTemplate(match.Rule.ResponseTemplate, match.Captures,
					map[string]string{"runId": "<generated>"}, msg)
				fmt.Fprintf(out, "    response: %s\n", response)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "triggers.yaml", "trigger configuration file")
	cmd.Flags().StringVar(&source, "source", "http", "message source (telegram|discord|slack|http|filewatch)")
	return cmd
}

func newTriggerRunCommand(cfg *config.Config, logger logging.Logger) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve trigger listeners in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			triggerCfg, err := trigger.LoadConfig(configPath)
			if err != nil {
				return exitWith(exitValidation, err)
			}
			return serveTriggers(cmd, cfg, triggerCfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "triggers.yaml", "trigger configuration file")
	return cmd
}

func serveTriggers(cmd *cobra.Command, cfg *config.Config, triggerCfg *trigger.Config, logger logging.Logger) error {
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
	matcher := trigger.NewMatcher(triggerCfg.Rules, publisher, logger)
	dispatcher := trigger.NewDispatcher(orch, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	// handle needs the receiving listener so the response goes back on the
	// same channel the message arrived on.
	handle := func(l listener.Listener, msg *trigger.IncomingMessage) {
		match := matcher.Match(msg)
		if match == nil {
			return
		}
		runID, response, err := dispatcher.Dispatch(ctx, match)
		if err != nil {
			logger.Error("trigger %s: dispatch: %v", match.Rule.Name, err)
			return
		}
		fmt.Fprintf(out, "%s rule %s -> run %s\n", cyan("▶"), match.Rule.Name, runID)
		if response != "" {
			if err := l.SendResponse(msg, response); err != nil {
				logger.Warn("trigger %s: respond on %s: %v", match.Rule.Name, l.Name(), err)
			}
		}
	}

	var listeners []listener.Listener
	if triggerCfg.HTTP != nil {
		signingSecret := ""
		if triggerCfg.Slack != nil {
			signingSecret = triggerCfg.Slack.SigningSecret
		}
		var hl *listener.HTTPListener
		hl = listener.NewHTTPListener(triggerCfg.HTTP.Addr, signingSecret,
			func(msg *trigger.IncomingMessage) { handle(hl, msg) }, logger)
		listeners = append(listeners, hl)
	}
	if triggerCfg.Telegram != nil {
		var tl *listener.TelegramListener
		tl = listener.NewTelegramListener(triggerCfg.Telegram,
			func(msg *trigger.IncomingMessage) { handle(tl, msg) }, logger)
		listeners = append(listeners, tl)
	}
	if triggerCfg.Slack != nil && triggerCfg.Slack.AppToken != "" {
		var sl *listener.SlackSocketListener
		sl = listener.NewSlackSocketListener(triggerCfg.Slack,
			func(msg *trigger.IncomingMessage) { handle(sl, msg) }, logger)
		listeners = append(listeners, sl)
	}
	if triggerCfg.FileWatch != nil {
		var fl *listener.FileWatchListener
		fl = listener.NewFileWatchListener(triggerCfg.FileWatch,
			func(msg *trigger.IncomingMessage) { handle(fl, msg) }, logger)
		listeners = append(listeners, fl)
	}
	if len(listeners) == 0 {
		return exitWith(exitValidation, fmt.Errorf("trigger config declares no listener sources"))
	}

	for _, l := range listeners {
		if err := l.Start(ctx); err != nil {
			return exitWith(exitExecution, fmt.Errorf("start %s listener: %w", l.Name(), err))
		}
		fmt.Fprintf(out, "%s %s listener started\n", green("✓"), l.Name())
	}

	fmt.Fprintln(out, bold("Trigger server running, ctrl-c to stop"))
	<-ctx.Done()

	for _, l := range listeners {
		if err := l.Stop(); err != nil {
			logger.Warn("stop %s listener: %v", l.Name(), err)
		}
	}
	orch.Stop()
	return nil
}
