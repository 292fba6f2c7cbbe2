package runner

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"engine/internal/logging"
	"engine/internal/plan"
	"engine/internal/workflow"
)

// WaveExecutor runs the tasks of one wave, in parallel or step mode, and
// records their results into the run context.
type WaveExecutor struct {
	executor  TaskExecutor
	publisher *Publisher
	stats     *Stats
	logger    logging.Logger

	maxParallelism int64
	stepMode       bool
	gate           *StepGate
}

// NewWaveExecutor wires a wave executor. maxParallelism <= 0 means
// unbounded.
func NewWaveExecutor(executor TaskExecutor, publisher *Publisher, stats *Stats, logger logging.Logger) *WaveExecutor {
	return &WaveExecutor{
		executor:  executor,
		publisher: publisher,
		stats:     stats,
		logger:    logging.OrNop(logger),
	}
}

// SetMaxParallelism bounds concurrent task launches within a wave.
func (we *WaveExecutor) SetMaxParallelism(n int) {
	we.maxParallelism = int64(n)
}

// SetStepMode switches the executor to sequential execution with a pause
// between tasks, released through gate.
func (we *WaveExecutor) SetStepMode(gate *StepGate) {
	we.stepMode = true
	we.gate = gate
}

// Run executes every task of the wave and returns their results. In
// parallel mode all tasks launch concurrently, each under its own
// cancellation context linked to ctx; the call returns when all finish.
// One task's failure never cancels its siblings here; stop-on-first-failure
// is the runner's decision between waves.
func (we *WaveExecutor) Run(ctx context.Context, wave plan.Wave, run *Context) []*workflow.TaskResult {
	if we.stepMode {
		return we.runStepped(ctx, wave, run)
	}
	return we.runParallel(ctx, wave, run)
}

func (we *WaveExecutor) runParallel(ctx context.Context, wave plan.Wave, run *Context) []*workflow.TaskResult {
	results := make([]*workflow.TaskResult, len(wave.Tasks))

	var sem *semaphore.Weighted
	if we.maxParallelism > 0 {
		sem = semaphore.NewWeighted(we.maxParallelism)
	}

	var wg sync.WaitGroup
	for i, task := range wave.Tasks {
		wg.Add(1)
		go func(i int, task *workflow.Task) {
			defer wg.Done()
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = cancelledResult(task)
					we.record(run, results[i])
					return
				}
				defer sem.Release(1)
			}
			results[i] = we.runOne(ctx, task, run)
		}(i, task)
	}
	wg.Wait()

	return results
}

func (we *WaveExecutor) runStepped(ctx context.Context, wave plan.Wave, run *Context) []*workflow.TaskResult {
	results := make([]*workflow.TaskResult, 0, len(wave.Tasks))
	for i, task := range wave.Tasks {
		results = append(results, we.runOne(ctx, task, run))

		// Pause between tasks, not after the wave's last one.
		if i < len(wave.Tasks)-1 {
			if err := we.pause(ctx, run, task.ID); err != nil {
				for _, rest := range wave.Tasks[i+1:] {
					r := cancelledResult(rest)
					we.record(run, r)
					results = append(results, r)
				}
				break
			}
		}
	}
	return results
}

// PauseBefore emits the step gate sequence ahead of a wave (or the whole
// run, with an empty completedTaskID).
func (we *WaveExecutor) PauseBefore(ctx context.Context, run *Context, completedTaskID string) error {
	return we.pause(ctx, run, completedTaskID)
}

func (we *WaveExecutor) pause(ctx context.Context, run *Context, completedTaskID string) error {
	we.publisher.Publish(Event{
		Kind:            EventStepPaused,
		WorkflowID:      run.Workflow.Name,
		RunID:           run.RunID,
		CompletedTaskID: completedTaskID,
	})
	if err := we.gate.Await(ctx); err != nil {
		return err
	}
	we.publisher.Publish(Event{
		Kind:       EventStepResumed,
		WorkflowID: run.Workflow.Name,
		RunID:      run.RunID,
	})
	return nil
}

// runOne executes a single task under a per-task cancellation context
// merged with ctx, then records and announces the result.
func (we *WaveExecutor) runOne(ctx context.Context, task *workflow.Task, run *Context) *workflow.TaskResult {
	taskCtx, cancel := run.TaskContext(ctx, task.ID)
	defer func() {
		run.RemoveTaskCancellation(task.ID)
		cancel()
	}()

	index := we.stats.NextIndex()
	we.publisher.Publish(Event{
		Kind:       EventTaskStarted,
		WorkflowID: run.Workflow.Name,
		RunID:      run.RunID,
		TaskID:     task.ID,
		TaskIndex:  index,
	})

	progress := func(t *workflow.Task, line string, stream OutputStream) {
		we.publisher.Publish(Event{
			Kind:       EventTaskOutput,
			WorkflowID: run.Workflow.Name,
			RunID:      run.RunID,
			TaskID:     t.ID,
			TaskIndex:  index,
			Line:       line,
			Stream:     stream,
		})
	}

	result := we.executor.Execute(taskCtx, task, run, progress)
	if result == nil {
		result = cancelledResult(task)
	}
	we.record(run, result)
	return result
}

// record registers the result, bumps the stats, and emits the completion
// event for the task.
func (we *WaveExecutor) record(run *Context, result *workflow.TaskResult) {
	run.SetResult(result)

	kind := EventTaskCompleted
	switch {
	case result.WasSkipped():
		we.stats.IncrementSkipped()
		kind = EventTaskSkipped
	case result.Status == workflow.StatusCancelled:
		we.stats.IncrementFailed()
		kind = EventTaskCancelled
	case result.IsFailed():
		we.stats.IncrementFailed()
	default:
		we.stats.IncrementSucceeded()
	}

	we.publisher.Publish(Event{
		Kind:       kind,
		WorkflowID: run.Workflow.Name,
		RunID:      run.RunID,
		TaskID:     result.TaskID,
		Result:     result,
		Duration:   result.Duration,
	})
}

func cancelledResult(task *workflow.Task) *workflow.TaskResult {
	return &workflow.TaskResult{
		TaskID:   task.ID,
		Status:   workflow.StatusCancelled,
		ExitCode: -1,
		Error:    "Task was cancelled",
	}
}
