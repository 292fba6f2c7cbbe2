package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"engine/internal/expr"
	"engine/internal/logging"
	"engine/internal/runner"
	"engine/internal/workflow"
)

// DefaultShell is used when neither the task nor the workflow names one.
const DefaultShell = "sh"

// ShellExecutor implements runner.TaskExecutor by launching child
// processes through the configured environment chain.
type ShellExecutor struct {
	chain        []Environment
	defaultShell string
	logger       logging.Logger
}

// New builds an executor with the default environment chain.
func New(logger logging.Logger) *ShellExecutor {
	return &ShellExecutor{
		chain:        DefaultChain(),
		defaultShell: DefaultShell,
		logger:       logging.OrNop(logger),
	}
}

// SetDefaultShell overrides the fallback shell.
func (e *ShellExecutor) SetDefaultShell(shell string) {
	if shell != "" {
		e.defaultShell = shell
	}
}

// SetChain replaces the environment chain. Used by tests to force local
// execution regardless of declared environments.
func (e *ShellExecutor) SetChain(chain []Environment) {
	e.chain = chain
}

// Execute runs one task to completion, honoring condition, timeout, and
// retry policy. It always returns a result; process-level failures surface
// as Failed results, never as a missing one.
func (e *ShellExecutor) Execute(ctx context.Context, task *workflow.Task, run *runner.Context, progress runner.ProgressFunc) *workflow.TaskResult {
	scope := run.ScopeFor(task)

	if skip, reason := shouldSkip(task, scope); skip {
		e.logger.Debug("task %s skipped: %s", task.ID, reason)
		return terminalResult(task, workflow.StatusSkipped, 0, reason, time.Now().UTC())
	}

	if ctx.Err() != nil {
		return cancelled(task, time.Now().UTC())
	}

	inv := e.prepare(task, run, scope)
	env, spec := ResolveEnvironment(e.chain, run.Workflow, task)
	argv := env.Argv(spec, inv)
	local := env.Priority() == priorityLocal

	timeout := task.Timeout.D()
	if timeout <= 0 {
		timeout = run.Workflow.DefaultTimeout.D()
	}

	if progress != nil {
		progress(task, inv.Run, runner.StreamCommand)
	}

	var result *workflow.TaskResult
	for attempt := 1; ; attempt++ {
		result = e.runAttempt(ctx, task, run, scope, argv, inv, local, timeout, progress)
		result.Attempts = attempt

		if result.Status == workflow.StatusSucceeded || result.Status == workflow.StatusCancelled {
			return result
		}
		if attempt > task.RetryCount {
			return result
		}

		e.logger.Warn("task %s attempt %d/%d %s, retrying", task.ID, attempt, task.RetryCount+1, result.Status)
		if delay := task.RetryDelay.D(); delay > 0 {
			select {
			case <-ctx.Done():
				return cancelled(task, result.StartedAt)
			case <-time.After(delay):
			}
		} else if ctx.Err() != nil {
			return cancelled(task, result.StartedAt)
		}
	}
}

// prepare interpolates the command, working directory, and environment for
// the evaluating task.
func (e *ShellExecutor) prepare(task *workflow.Task, run *runner.Context, scope expr.Scope) Invocation {
	shell := task.Shell
	if shell == "" {
		shell = run.Workflow.Shell
	}
	if shell == "" {
		shell = e.defaultShell
	}

	workingDir := run.WorkingDir
	if task.WorkingDirectory != "" {
		dir := expr.Interpolate(task.WorkingDirectory, scope)
		if filepath.IsAbs(dir) {
			workingDir = dir
		} else {
			workingDir = filepath.Join(run.WorkingDir, dir)
		}
	}

	declared := run.DeclaredEnv()
	for k, v := range task.Env {
		declared[k] = expr.Interpolate(v, scope)
	}

	return Invocation{
		Shell:      shell,
		Run:        expr.Interpolate(task.Run, scope),
		WorkingDir: workingDir,
		Env:        declared,
	}
}

// runAttempt launches the child once and classifies the outcome.
func (e *ShellExecutor) runAttempt(ctx context.Context, task *workflow.Task, run *runner.Context, scope expr.Scope, argv []string, inv Invocation, local bool, timeout time.Duration, progress runner.ProgressFunc) *workflow.TaskResult {
	started := time.Now().UTC()

	attemptCtx := ctx
	var cancelAttempt context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancelAttempt = context.WithTimeout(ctx, timeout)
		defer cancelAttempt()
	}

	cmd := exec.CommandContext(attemptCtx, argv[0], argv[1:]...)
	if local {
		cmd.Dir = inv.WorkingDir
		cmd.Env = childEnv(run, inv.Env)
	}

	stdin, err := resolveStdin(task.Input, inv.WorkingDir, scope)
	if err != nil {
		return terminalResult(task, workflow.StatusFailed, -1, err.Error(), started)
	}
	if stdin != nil {
		cmd.Stdin = stdin
		defer stdin.Close()
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return terminalResult(task, workflow.StatusFailed, -1, err.Error(), started)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return terminalResult(task, workflow.StatusFailed, -1, err.Error(), started)
	}

	// Stream output capture stays off; the consumer is the progress
	// callback alone.
	buffered := task.Output == nil || task.Output.Type != workflow.OutputStream
	maxBytes := task.Output.MaxBytes()
	stdout := newCaptureBuffer(maxBytes, buffered)
	stderr := newCaptureBuffer(maxBytes, buffered)

	if err := cmd.Start(); err != nil {
		return terminalResult(task, workflow.StatusFailed, -1, fmt.Sprintf("start command: %v", err), started)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutPipe, func(line string) {
			stdout.writeLine(line)
			if progress != nil {
				progress(task, line, runner.StreamStdout)
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrPipe, func(line string) {
			stderr.writeLine(line)
			if progress != nil {
				progress(task, line, runner.StreamStderr)
			}
		})
	}()
	wg.Wait()
	waitErr := cmd.Wait()
	finished := time.Now().UTC()

	result := &workflow.TaskResult{
		TaskID:     task.ID,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		Output: workflow.CapturedOutput{
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			Truncated: stdout.Truncated() || stderr.Truncated(),
		},
	}
	if task.Output != nil && task.Output.Type == workflow.OutputBytes {
		result.Output.Bytes = stdout.Bytes()
	}

	switch {
	case attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.Status = workflow.StatusTimedOut
		result.ExitCode = -1
		result.Error = fmt.Sprintf("Task timed out after %s", timeout)
	case ctx.Err() != nil:
		result.Status = workflow.StatusCancelled
		result.ExitCode = -1
		result.Error = "Task was cancelled"
	case waitErr != nil:
		result.Status = workflow.StatusFailed
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit code %d", result.ExitCode)
		} else {
			result.ExitCode = -1
			result.Error = waitErr.Error()
		}
	default:
		result.Status = workflow.StatusSucceeded
	}

	if result.Status == workflow.StatusSucceeded {
		if err := writeOutputFile(task.Output, inv.WorkingDir, scope, stdout.Bytes()); err != nil {
			result.Status = workflow.StatusFailed
			result.ExitCode = -1
			result.Error = err.Error()
		}
	}
	return result
}

// writeOutputFile persists captured stdout when the task declares a file
// output.
func writeOutputFile(spec *workflow.OutputSpec, workingDir string, scope expr.Scope, data []byte) error {
	if spec == nil || spec.Type != workflow.OutputFile || spec.FilePath == "" {
		return nil
	}
	path := expr.Interpolate(spec.FilePath, scope)
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	return nil
}

// childEnv builds the local child environment: host env with declared and
// task variables winning ties.
func childEnv(run *runner.Context, declared map[string]string) []string {
	env := run.FullEnv()
	out := make([]string, 0, len(env)+len(declared))
	for _, kv := range env {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := declared[key]; !shadowed {
			out = append(out, kv)
		}
	}
	for _, k := range sortedKeys(declared) {
		out = append(out, k+"="+declared[k])
	}
	return out
}

// shouldSkip applies the task gate: an explicit condition wins; without
// one, every dependency must have succeeded.
func shouldSkip(task *workflow.Task, scope expr.Scope) (bool, string) {
	if task.If != "" {
		if !expr.EvalCondition(task.If, scope) {
			return true, "condition not met"
		}
		return false, ""
	}
	if len(task.DependsOn) > 0 && !scope.DependenciesSucceeded() {
		return true, "dependency did not succeed"
	}
	return false, ""
}

func terminalResult(task *workflow.Task, status workflow.TaskStatus, exitCode int, msg string, started time.Time) *workflow.TaskResult {
	finished := time.Now().UTC()
	return &workflow.TaskResult{
		TaskID:     task.ID,
		Status:     status,
		ExitCode:   exitCode,
		Error:      msg,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}
}

func cancelled(task *workflow.Task, started time.Time) *workflow.TaskResult {
	return terminalResult(task, workflow.StatusCancelled, -1, "Task was cancelled", started)
}
