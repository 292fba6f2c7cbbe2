package schedule

import (
	"context"
	"errors"
	"path/filepath"

	"engine/internal/runner"
	"engine/internal/workflow"
)

// RunnerLauncher is the production Launcher: parse, validate, run. The
// workflow's directory becomes the run's working directory.
type RunnerLauncher struct {
	runner *runner.Runner
}

// NewRunnerLauncher wraps a runner.
func NewRunnerLauncher(r *runner.Runner) *RunnerLauncher {
	return &RunnerLauncher{runner: r}
}

// Launch implements Launcher. Cancellation surfaces as RunCancelled, not as
// an error; task failures surface through the status.
func (l *RunnerLauncher) Launch(ctx context.Context, workflowPath, runID string, extraEnv map[string]string) (workflow.RunStatus, error) {
	wf, err := workflow.ParseFile(workflowPath)
	if err != nil {
		return workflow.RunFailed, err
	}
	if err := workflow.Validate(wf); err != nil {
		return workflow.RunFailed, err
	}

	run, err := l.runner.Run(ctx, wf, runner.Options{
		Context: runner.ContextOptions{
			RunID:      runID,
			WorkingDir: filepath.Dir(workflowPath),
			ExtraEnv:   extraEnv,
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && run != nil {
			return run.OverallStatus(), nil
		}
		return workflow.RunFailed, err
	}
	return run.OverallStatus(), nil
}
