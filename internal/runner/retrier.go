package runner

import (
	"context"
	"fmt"

	"engine/internal/logging"
	"engine/internal/workflow"
)

// Retrier re-executes a single failed or timed-out task on demand, outside
// the normal wave flow.
type Retrier struct {
	executor  TaskExecutor
	publisher *Publisher
	logger    logging.Logger
}

// NewRetrier wires a retrier around the same executor and event stream the
// runner uses.
func NewRetrier(executor TaskExecutor, publisher *Publisher, logger logging.Logger) *Retrier {
	return &Retrier{
		executor:  executor,
		publisher: publisher,
		logger:    logging.OrNop(logger),
	}
}

// Retry re-runs taskID within run. It refuses unless the task's last
// recorded status is Failed or TimedOut. The new result replaces the old
// one in the context.
func (r *Retrier) Retry(ctx context.Context, taskID string, run *Context) (*workflow.TaskResult, error) {
	task, ok := run.TaskByID(taskID)
	if !ok {
		return nil, fmt.Errorf("retry: unknown task %q", taskID)
	}

	last, ok := run.Result(taskID)
	if !ok {
		return nil, fmt.Errorf("retry: task %q has not run", taskID)
	}
	switch last.Status {
	case workflow.StatusFailed, workflow.StatusTimedOut:
	default:
		return nil, fmt.Errorf("retry: task %q is %s, only failed or timed-out tasks can be retried", taskID, last.Status)
	}

	// Reset the visible state before relaunch.
	run.SetResult(&workflow.TaskResult{TaskID: last.TaskID, Status: workflow.StatusPending})

	taskCtx, cancel := run.TaskContext(ctx, task.ID)
	defer func() {
		run.RemoveTaskCancellation(task.ID)
		cancel()
	}()

	r.publisher.Publish(Event{
		Kind:       EventTaskStarted,
		WorkflowID: run.Workflow.Name,
		RunID:      run.RunID,
		TaskID:     task.ID,
	})

	progress := func(t *workflow.Task, line string, stream OutputStream) {
		r.publisher.Publish(Event{
			Kind:       EventTaskOutput,
			WorkflowID: run.Workflow.Name,
			RunID:      run.RunID,
			TaskID:     t.ID,
			Line:       line,
			Stream:     stream,
		})
	}

	result := r.executor.Execute(taskCtx, task, run, progress)
	if result == nil {
		result = cancelledResult(task)
	}
	run.SetResult(result)

	kind := EventTaskCompleted
	if result.Status == workflow.StatusCancelled {
		kind = EventTaskCancelled
	}
	r.publisher.Publish(Event{
		Kind:       kind,
		WorkflowID: run.Workflow.Name,
		RunID:      run.RunID,
		TaskID:     task.ID,
		Result:     result,
		Duration:   result.Duration,
	})

	return result, nil
}
