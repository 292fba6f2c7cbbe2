package runner

import (
	"context"

	"engine/internal/workflow"
)

// ProgressFunc receives one output line from a running task. stream is
// stdout, stderr, or command (the interpolated command echoed before
// execution).
type ProgressFunc func(task *workflow.Task, line string, stream OutputStream)

// TaskExecutor runs one prepared task and reports its result. The contract
// the wave executor relies on:
//
//   - evaluate the task condition first and return a Skipped result when it
//     does not hold (or when a dependency did not succeed and no explicit
//     `if` overrides);
//   - interpolate the command and environment before invocation;
//   - stream output lines to progress while capturing up to the configured
//     cap;
//   - honor the task timeout and retry policy;
//   - translate ctx cancellation into a Cancelled result with exit code -1.
//
// Implementations never return an error through the result's absence: every
// call yields a TaskResult.
type TaskExecutor interface {
	Execute(ctx context.Context, task *workflow.Task, run *Context, progress ProgressFunc) *workflow.TaskResult
}
