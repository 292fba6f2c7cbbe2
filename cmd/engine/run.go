package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"engine/internal/async"
	"engine/internal/config"
	"engine/internal/executor"
	"engine/internal/listener"
	"engine/internal/logging"
	"engine/internal/plan"
	"engine/internal/runner"
	"engine/internal/trigger"
	"engine/internal/webhook"
	"engine/internal/workflow"
)

type runOptions struct {
	cfg    *config.Config
	logger logging.Logger

	verbose    bool
	dryRun     bool
	quiet      bool
	timeoutSec int
	workingDir string
	envPairs   []string
	params     []string
	jsonOut    bool
	step       bool
	watch      bool
}

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	flags := cmd.Flags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "stream every task output line")
	flags.BoolVarP(&opts.dryRun, "dry-run", "n", false, "print the execution plan without running")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "print only the final summary")
	flags.IntVarP(&opts.timeoutSec, "timeout", "t", 0, "default task timeout in seconds")
	flags.StringVarP(&opts.workingDir, "chdir", "C", "", "working directory for the run")
	flags.StringArrayVarP(&opts.envPairs, "env", "e", nil, "environment override NAME=VALUE (repeatable)")
	flags.StringArrayVar(&opts.params, "param", nil, "workflow parameter name=value (repeatable)")
	flags.BoolVar(&opts.jsonOut, "json", false, "emit lifecycle events as JSON lines")
	flags.BoolVar(&opts.step, "step", false, "pause before each task, press enter to continue")
	flags.BoolVarP(&opts.watch, "watch", "w", false, "re-run when the workflow's watched files change")
}

func runWorkflow(cmd *cobra.Command, path string, opts *runOptions) error {
	extraEnv, err := parseKeyValues(opts.envPairs, "-e")
	if err != nil {
		return exitWith(exitValidation, err)
	}
	params, err := parseKeyValues(opts.params, "--param")
	if err != nil {
		return exitWith(exitValidation, err)
	}

	wf, err := workflow.ParseFile(path)
	if err != nil {
		return exitWith(exitValidation, err)
	}
	applyTimeoutOverride(wf, opts)

	if opts.dryRun {
		return printPlan(cmd, wf, opts)
	}

	workingDir := opts.workingDir
	if workingDir == "" {
		workingDir = opts.cfg.WorkingDir
	}

	publisher := runner.NewPublisher(opts.logger)
	renderer := newRenderer(cmd.OutOrStdout(), rendererOptions{
		Verbose: opts.verbose,
		Quiet:   opts.quiet,
		JSON:    opts.jsonOut,
	})
	defer publisher.Subscribe(renderer.Handle)()

	exec := executor.New(opts.logger)
	if opts.cfg.Shell != "" {
		exec.SetDefaultShell(opts.cfg.Shell)
	}

	r := runner.New(exec, publisher, opts.logger)
	r.SetWebhookNotifier(webhook.NewNotifier(publisher, opts.logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runnerOpts := runner.Options{
		StepMode:           opts.step,
		StopOnFirstFailure: wf.StopOnFirstFailure,
		Context: runner.ContextOptions{
			WorkingDir: workingDir,
			ExtraEnv:   extraEnv,
			Params:     params,
		},
	}
	if opts.step {
		gate := runner.NewStepGate()
		runnerOpts.Gate = gate
		releaseOnEnter(ctx, gate, opts.logger)
	}

	if opts.watch {
		return watchAndRun(ctx, r, wf, runnerOpts, opts)
	}

	run, err := r.Run(ctx, wf, runnerOpts)
	return classifyRun(run, err)
}

func classifyRun(run *runner.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return exitWith(exitCancelled, nil)
	case err != nil:
		return exitWith(exitValidation, err)
	}

	switch run.OverallStatus() {
	case workflow.RunCancelled:
		return exitWith(exitCancelled, nil)
	case workflow.RunFailed:
		return exitWith(exitExecution, nil)
	default:
		return nil
	}
}

// watchAndRun executes the workflow, then re-executes it each time the
// workflow's watch config reports a change, until interrupted.
func watchAndRun(ctx context.Context, r *runner.Runner, wf *workflow.Workflow, runnerOpts runner.Options, opts *runOptions) error {
	if wf.Watch == nil || len(wf.Watch.Paths) == 0 {
		return exitWith(exitValidation, fmt.Errorf("workflow %s declares no watch config", wf.Name))
	}

	changed := make(chan struct{}, 1)
	watcher := listener.NewFileWatchListener(&trigger.FileWatchConfig{
		Paths:    wf.Watch.Paths,
		Patterns: wf.Watch.Patterns,
		Debounce: wf.Watch.Debounce,
	}, func(*trigger.IncomingMessage) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, opts.logger)

	if err := watcher.Start(ctx); err != nil {
		return exitWith(exitExecution, err)
	}
	defer watcher.Stop()

	for {
		if _, err := r.Run(ctx, wf, runnerOpts); err != nil && !errors.Is(err, context.Canceled) {
			return exitWith(exitValidation, err)
		}

		select {
		case <-ctx.Done():
			return exitWith(exitCancelled, nil)
		case <-changed:
		}
	}
}

// applyTimeoutOverride layers the default task timeout: -t flag beats the
// WORKFLOW_ENGINE_TIMEOUT variable, which beats the workflow's own value.
func applyTimeoutOverride(wf *workflow.Workflow, opts *runOptions) {
	if opts.timeoutSec > 0 {
		wf.DefaultTimeout = workflow.Duration(time.Duration(opts.timeoutSec) * time.Second)
		return
	}
	if opts.cfg.DefaultTimeout > 0 {
		wf.DefaultTimeout = workflow.Duration(opts.cfg.DefaultTimeout)
	}
}

// releaseOnEnter feeds the step gate from stdin, one step per line.
func releaseOnEnter(ctx context.Context, gate *runner.StepGate, logger logging.Logger) {
	async.Go(logger, "step gate stdin reader", func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			gate.Release()
		}
	})
}

func printPlan(cmd *cobra.Command, wf *workflow.Workflow, opts *runOptions) error {
	execPlan, err := plan.Build(wf, opts.logger)
	if err != nil {
		return exitWith(exitValidation, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s (%d tasks, %d waves)\n",
		bold("Plan for"), wf.Name, execPlan.TotalTasks(), len(execPlan.Waves))
	for _, wave := range execPlan.Waves {
		ids := make([]string, 0, len(wave.Tasks))
		for _, t := range wave.Tasks {
			ids = append(ids, t.ID)
		}
		fmt.Fprintf(out, "  wave %d: %s\n", wave.Index, strings.Join(ids, ", "))
	}
	if len(execPlan.AlwaysTasks) > 0 {
		ids := make([]string, 0, len(execPlan.AlwaysTasks))
		for _, t := range execPlan.AlwaysTasks {
			ids = append(ids, t.ID)
		}
		fmt.Fprintf(out, "  always: %s\n", strings.Join(ids, ", "))
	}
	return nil
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Parse and validate a workflow without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.ParseFile(args[0])
			if err != nil {
				return exitWith(exitValidation, err)
			}
			execPlan, err := plan.Build(wf, logging.Nop())
			if err != nil {
				return exitWith(exitValidation, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is valid (%d tasks, %d waves)\n",
				green("OK"), wf.Name, execPlan.TotalTasks(), len(execPlan.Waves))
			return nil
		},
	}
}

// parseKeyValues splits repeated NAME=VALUE flags into a map.
func parseKeyValues(pairs []string, flag string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%s %q: want NAME=VALUE", flag, pair)
		}
		out[key] = value
	}
	return out, nil
}
