// Command engine runs YAML workflows, manages cron schedules, and serves
// chat/webhook triggers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"engine/internal/config"
	"engine/internal/logging"
)

// Exit codes, stable for scripting.
const (
	exitOK         = 0
	exitValidation = 1
	exitExecution  = 2
	exitCancelled  = 3
)

// exitError carries a process exit code through cobra's RunE chain.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	cfg := config.Load()

	logger := logging.NewComponentLogger("cli")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	defer logger.Close()

	root := newRootCommand(cfg, logger)
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, styleError(ee.err.Error()))
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, styleError(err.Error()))
		os.Exit(exitValidation)
	}
}

func newRootCommand(cfg *config.Config, logger logging.Logger) *cobra.Command {
	opts := &runOptions{cfg: cfg, logger: logger}

	root := &cobra.Command{
		Use:   "engine [workflow.yaml]",
		Short: "YAML workflow execution engine",
		Long: "engine executes YAML-defined workflows as dependency-ordered waves of\n" +
			"shell tasks, with matrix expansion, retries, cron schedules, and\n" +
			"chat/webhook triggers.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runWorkflow(cmd, args[0], opts)
		},
	}
	addRunFlags(root, opts)

	runCmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], opts)
		},
	}
	addRunFlags(runCmd, opts)

	root.AddCommand(
		runCmd,
		newValidateCommand(),
		newScheduleCommand(cfg, logger),
		newTriggerCommand(cfg, logger),
	)
	return root
}
