// Package runner orchestrates workflow execution: it builds the execution
// plan, drives it wave by wave through the wave executor, maintains the
// shared run context, and emits the lifecycle event stream.
package runner

import (
	"context"
	"time"

	"engine/internal/logging"
	"engine/internal/plan"
	"engine/internal/workflow"
)

// WebhookNotifier is the external webhook collaborator. Registration is
// fire-and-forget; the notifier subscribes to the event stream while
// registered.
type WebhookNotifier interface {
	RegisterWebhooks(runID, workflowName string, configs []workflow.WebhookSpec)
	UnregisterWebhooks(runID string)
}

// Options configures one run.
type Options struct {
	DryRun             bool
	StepMode           bool
	Gate               *StepGate
	StopOnFirstFailure bool
	// MaxParallelism overrides the workflow's own setting when non-zero.
	MaxParallelism int
	Context        ContextOptions
}

// Runner executes workflows end to end.
type Runner struct {
	executor  TaskExecutor
	publisher *Publisher
	notifier  WebhookNotifier
	logger    logging.Logger
}

// New wires a runner around a task executor and an event publisher.
func New(executor TaskExecutor, publisher *Publisher, logger logging.Logger) *Runner {
	return &Runner{
		executor:  executor,
		publisher: publisher,
		logger:    logging.OrNop(logger),
	}
}

// Publisher exposes the runner's event stream for additional subscribers.
func (r *Runner) Publisher() *Publisher { return r.publisher }

// SetWebhookNotifier attaches the webhook collaborator.
func (r *Runner) SetWebhookNotifier(n WebhookNotifier) { r.notifier = n }

// Run executes the workflow and returns the run context holding every task
// result. Task failures are reported through the context, not the error;
// the error is non-nil only for planning failures and cancellation.
func (r *Runner) Run(ctx context.Context, wf *workflow.Workflow, opts Options) (*Context, error) {
	execPlan, err := plan.Build(wf, r.logger)
	if err != nil {
		return nil, err
	}

	run := NewContext(ctx, wf, opts.Context)
	for _, wave := range execPlan.Waves {
		run.RegisterTasks(wave.Tasks...)
	}
	run.RegisterTasks(execPlan.AlwaysTasks...)
	stats := NewStats()

	waves := NewWaveExecutor(r.executor, r.publisher, stats, r.logger)
	maxParallelism := wf.MaxParallelism
	if opts.MaxParallelism != 0 {
		maxParallelism = opts.MaxParallelism
	}
	if maxParallelism > 0 {
		waves.SetMaxParallelism(maxParallelism)
	}
	gate := opts.Gate
	if opts.StepMode {
		if gate == nil {
			gate = NewStepGate()
		}
		waves.SetStepMode(gate)
	}

	r.publisher.Publish(Event{
		Kind:       EventWorkflowStarted,
		WorkflowID: wf.Name,
		RunID:      run.RunID,
		TotalTasks: execPlan.TotalTasks(),
	})

	if r.notifier != nil {
		r.notifier.RegisterWebhooks(run.RunID, wf.Name, wf.Webhooks)
	}

	defer func() {
		r.finish(run, time.Since(run.StartedAt))
	}()

	if opts.DryRun {
		for _, wave := range execPlan.Waves {
			for _, task := range wave.Tasks {
				run.SetResult(&workflow.TaskResult{TaskID: task.ID, Status: workflow.StatusPending})
			}
		}
		for _, task := range execPlan.AlwaysTasks {
			run.SetResult(&workflow.TaskResult{TaskID: task.ID, Status: workflow.StatusPending})
		}
		return run, nil
	}

	if opts.StepMode {
		if err := waves.PauseBefore(ctx, run, ""); err != nil {
			run.MarkCancelled()
			return run, err
		}
	}

	cancelled := r.runWaves(ctx, execPlan, waves, run, opts)

	// Always-tasks run as a synthetic final wave under an uncancellable
	// signal so cleanup happens even after failure or cancellation.
	if len(execPlan.AlwaysTasks) > 0 {
		alwaysWave := plan.Wave{Index: len(execPlan.Waves), Tasks: execPlan.AlwaysTasks}
		r.publishWaveStarted(run, alwaysWave)
		results := waves.Run(context.WithoutCancel(run.RunContext()), alwaysWave, run)
		r.publishWaveCompleted(run, alwaysWave, results)
	}

	if cancelled || ctx.Err() != nil {
		run.MarkCancelled()
		return run, context.Canceled
	}
	return run, nil
}

// runWaves drives the regular waves; it reports whether the run was
// cancelled mid-flight.
func (r *Runner) runWaves(ctx context.Context, execPlan *plan.Plan, waves *WaveExecutor, run *Context, opts Options) bool {
	for i, wave := range execPlan.Waves {
		if ctx.Err() != nil {
			run.MarkCancelled()
			return true
		}

		r.publishWaveStarted(run, wave)
		results := waves.Run(run.RunContext(), wave, run)
		r.publishWaveCompleted(run, wave, results)

		if run.Cancelled() || ctx.Err() != nil {
			return true
		}

		if opts.StopOnFirstFailure && waveHasHardFailure(wave, results) {
			r.logger.Info("run %s: stopping after wave %d on first failure", run.RunID, wave.Index)
			break
		}

		lastWave := i == len(execPlan.Waves)-1
		if opts.StepMode && !(lastWave && len(execPlan.AlwaysTasks) == 0) {
			completed := ""
			if len(wave.Tasks) > 0 {
				completed = wave.Tasks[len(wave.Tasks)-1].ID
			}
			if err := waves.PauseBefore(ctx, run, completed); err != nil {
				run.MarkCancelled()
				return true
			}
		}
	}
	return false
}

func (r *Runner) publishWaveStarted(run *Context, wave plan.Wave) {
	r.publisher.Publish(Event{
		Kind:       EventWaveStarted,
		WorkflowID: run.Workflow.Name,
		RunID:      run.RunID,
		WaveIndex:  wave.Index,
		WaveTasks:  len(wave.Tasks),
	})
}

func (r *Runner) publishWaveCompleted(run *Context, wave plan.Wave, results []*workflow.TaskResult) {
	var succeeded, failed, skipped int
	for _, result := range results {
		switch {
		case result == nil:
		case result.Status == workflow.StatusSucceeded:
			succeeded++
		case result.WasSkipped():
			skipped++
		case result.IsFailed():
			failed++
		}
	}
	r.publisher.Publish(Event{
		Kind:       EventWaveCompleted,
		WorkflowID: run.Workflow.Name,
		RunID:      run.RunID,
		WaveIndex:  wave.Index,
		WaveTasks:  len(wave.Tasks),
		Succeeded:  succeeded,
		Failed:     failed,
		Skipped:    skipped,
	})
}

// finish emits the terminal events and releases the webhook registration.
// It always runs, whatever path the run took.
func (r *Runner) finish(run *Context, elapsed time.Duration) {
	status := run.OverallStatus()
	succeeded, failed, skipped := run.Counts()

	if status == workflow.RunCancelled {
		r.publisher.Publish(Event{
			Kind:       EventWorkflowCancelled,
			WorkflowID: run.Workflow.Name,
			RunID:      run.RunID,
		})
	}

	r.publisher.Publish(Event{
		Kind:       EventWorkflowCompleted,
		WorkflowID: run.Workflow.Name,
		RunID:      run.RunID,
		RunStatus:  status,
		Succeeded:  succeeded,
		Failed:     failed,
		Skipped:    skipped,
		Duration:   elapsed,
	})

	if r.notifier != nil {
		r.notifier.UnregisterWebhooks(run.RunID)
	}
}

// waveHasHardFailure reports whether any failed task in the wave lacks
// continueOnError.
func waveHasHardFailure(wave plan.Wave, results []*workflow.TaskResult) bool {
	for i, result := range results {
		if result == nil || !result.IsFailed() {
			continue
		}
		if i < len(wave.Tasks) && wave.Tasks[i].ContinueOnError {
			continue
		}
		return true
	}
	return false
}
