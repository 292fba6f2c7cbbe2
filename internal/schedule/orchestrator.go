package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"engine/internal/async"
	"engine/internal/logging"
	"engine/internal/runner"
	"engine/internal/utils/id"
	"engine/internal/workflow"
)

const (
	// DefaultTickInterval is how often the orchestrator checks for due
	// schedules.
	DefaultTickInterval = 60 * time.Second
	// DefaultShutdownTimeout bounds the drain of in-flight runs on Stop.
	DefaultShutdownTimeout = 30 * time.Second
)

// Launcher executes one workflow file with the given pre-minted run id and
// environment overlay. The orchestrator never parses workflows itself.
type Launcher interface {
	Launch(ctx context.Context, workflowPath, runID string, extraEnv map[string]string) (workflow.RunStatus, error)
}

// ManualDispatchRequest asks for an immediate out-of-schedule run.
type ManualDispatchRequest struct {
	WorkflowPath    string
	InputParameters map[string]string
	Reason          string
	TriggeredBy     string
}

// Orchestrator owns the tick loop, due detection, overlap policy, and
// run tracking for persisted schedules.
type Orchestrator struct {
	store     Store
	engine    *Engine
	launcher  Launcher
	publisher *runner.Publisher
	logger    logging.Logger

	tickInterval    time.Duration
	shutdownTimeout time.Duration

	mu      sync.Mutex
	running map[string]map[string]context.CancelFunc // scheduleID → runID → cancel
	wg      sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(store Store, engine *Engine, launcher Launcher, publisher *runner.Publisher, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		store:           store,
		engine:          engine,
		launcher:        launcher,
		publisher:       publisher,
		logger:          logging.OrNop(logger),
		tickInterval:    DefaultTickInterval,
		shutdownTimeout: DefaultShutdownTimeout,
		running:         make(map[string]map[string]context.CancelFunc),
		stopped:         make(chan struct{}),
	}
}

// SetTickInterval overrides the tick period. Tests use short ticks.
func (o *Orchestrator) SetTickInterval(d time.Duration) {
	if d > 0 {
		o.tickInterval = d
	}
}

// SetShutdownTimeout overrides the drain bound.
func (o *Orchestrator) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		o.shutdownTimeout = d
	}
}

// AddSchedule validates the cron expression, computes the first occurrence,
// and persists the schedule.
func (o *Orchestrator) AddSchedule(schedule *WorkflowSchedule) error {
	if !o.engine.IsValid(schedule.CronExpression) {
		return fmt.Errorf("invalid cron expression %q", schedule.CronExpression)
	}
	if schedule.ID == "" {
		schedule.ID = id.NewScheduleID()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now().UTC()
	}
	next, err := o.engine.NextOccurrence(schedule.CronExpression, time.Now().UTC())
	if err != nil {
		return err
	}
	schedule.NextRunAt = &next
	return o.store.Save(schedule)
}

// Start launches the tick loop. It returns immediately; the loop stops when
// ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	async.Go(o.logger, "schedule orchestrator", func() {
		ticker := time.NewTicker(o.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				o.Stop()
				return
			case <-o.stopped:
				return
			case <-ticker.C:
				o.tick(ctx)
			}
		}
	})
	o.logger.Info("schedule orchestrator started, tick %s", o.tickInterval)
}

// Tick runs one due-detection pass. Exposed for the CLI's run-now path and
// tests; Start calls it on every tick.
func (o *Orchestrator) Tick(ctx context.Context) { o.tick(ctx) }

func (o *Orchestrator) tick(ctx context.Context) {
	schedules, err := o.store.GetEnabled()
	if err != nil {
		o.logger.Warn("schedule tick: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		if !sched.ExecutionPolicy.AllowOverlap && o.inFlight(sched.ID) > 0 {
			o.logger.Debug("schedule %s: previous run still in flight, skipping", sched.ID)
			continue
		}
		s := sched
		o.wg.Add(1)
		async.Go(o.logger, "scheduled run "+s.ID, func() {
			defer o.wg.Done()
			if _, err := o.ExecuteAsync(ctx, s, false); err != nil {
				o.logger.Warn("schedule %s: %v", s.ID, err)
			}
		})
	}
}

// ExecuteAsync runs one schedule to completion in the calling goroutine.
// It enforces the overlap policy, emits the trigger and completion events,
// and persists new run times for persisted schedules.
func (o *Orchestrator) ExecuteAsync(ctx context.Context, schedule *WorkflowSchedule, isManual bool) (string, error) {
	runID := id.NewRunID()

	runCtx, cancel, err := o.track(ctx, schedule, runID)
	if err != nil {
		return "", err
	}
	defer func() {
		o.untrack(schedule.ID, runID)
		cancel()
	}()

	o.publisher.Publish(runner.Event{
		Kind:         runner.EventScheduledRunTriggered,
		ScheduleID:   schedule.ID,
		WorkflowPath: schedule.WorkflowPath,
		RunID:        runID,
		IsManual:     isManual,
	})

	if timeout := schedule.ExecutionPolicy.Timeout.D(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}

	started := time.Now().UTC()
	status, runErr := o.launch(runCtx, schedule, runID)
	elapsed := time.Since(started)

	if !isManual {
		o.persistRunTimes(schedule, started)
	}

	event := runner.Event{
		Kind:         runner.EventScheduledRunCompleted,
		ScheduleID:   schedule.ID,
		WorkflowPath: schedule.WorkflowPath,
		RunID:        runID,
		IsManual:     isManual,
		RunStatus:    status,
		Duration:     elapsed,
	}
	if runErr != nil {
		event.RunStatus = workflow.RunFailed
		event.Error = runErr.Error()
	}
	o.publisher.Publish(event)

	return runID, runErr
}

// launch calls the launcher, re-launching per the retry policy when a run
// fails outright.
func (o *Orchestrator) launch(ctx context.Context, schedule *WorkflowSchedule, runID string) (workflow.RunStatus, error) {
	attempts := schedule.ExecutionPolicy.MaxRetries + 1
	var status workflow.RunStatus
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, err = o.launcher.Launch(ctx, schedule.WorkflowPath, runID, schedule.InputParameters)
		if err == nil && status != workflow.RunFailed {
			return status, nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			o.logger.Warn("schedule %s attempt %d/%d did not succeed, retrying", schedule.ID, attempt, attempts)
		}
	}
	return status, err
}

// Dispatch runs a workflow immediately through a synthetic in-memory
// schedule. Nothing is persisted.
func (o *Orchestrator) Dispatch(ctx context.Context, req ManualDispatchRequest) (string, error) {
	if req.WorkflowPath == "" {
		return "", fmt.Errorf("dispatch: workflow path is required")
	}
	synthetic := &WorkflowSchedule{
		ID:              id.NewDispatchID(),
		WorkflowPath:    req.WorkflowPath,
		CronExpression:  "* * * * *",
		Name:            req.Reason,
		Description:     fmt.Sprintf("manual dispatch by %s", req.TriggeredBy),
		Enabled:         true,
		CreatedAt:       time.Now().UTC(),
		InputParameters: req.InputParameters,
		ExecutionPolicy: ExecutionPolicy{AllowOverlap: true},
	}
	o.logger.Info("dispatch %s: %s (%s)", synthetic.ID, req.WorkflowPath, req.Reason)
	return o.ExecuteAsync(ctx, synthetic, true)
}

// Stop halts the tick loop, cancels in-flight runs, and waits up to the
// shutdown timeout for them to drain. Safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopped)

		o.mu.Lock()
		for _, runs := range o.running {
			for _, cancel := range runs {
				cancel()
			}
		}
		o.mu.Unlock()

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			o.logger.Info("schedule orchestrator stopped")
		case <-time.After(o.shutdownTimeout):
			o.logger.Warn("schedule orchestrator: shutdown timeout, abandoning in-flight runs")
		}
	})
}

// RunningCount reports in-flight runs for one schedule.
func (o *Orchestrator) RunningCount(scheduleID string) int {
	return o.inFlight(scheduleID)
}

func (o *Orchestrator) inFlight(scheduleID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running[scheduleID])
}

// track registers the run, enforcing the overlap policy.
func (o *Orchestrator) track(ctx context.Context, schedule *WorkflowSchedule, runID string) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	count := len(o.running[schedule.ID])
	policy := schedule.ExecutionPolicy
	if count > 0 && !policy.AllowOverlap {
		return nil, nil, fmt.Errorf("schedule %s already has a run in flight", schedule.ID)
	}
	if policy.AllowOverlap && policy.MaxConcurrentRuns > 0 && count >= policy.MaxConcurrentRuns {
		return nil, nil, fmt.Errorf("schedule %s is at its concurrency limit (%d)", schedule.ID, policy.MaxConcurrentRuns)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if o.running[schedule.ID] == nil {
		o.running[schedule.ID] = make(map[string]context.CancelFunc)
	}
	o.running[schedule.ID][runID] = cancel
	return runCtx, cancel, nil
}

func (o *Orchestrator) untrack(scheduleID, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if runs := o.running[scheduleID]; runs != nil {
		delete(runs, runID)
		if len(runs) == 0 {
			delete(o.running, scheduleID)
		}
	}
}

// persistRunTimes computes the next occurrence and stores the run times.
func (o *Orchestrator) persistRunTimes(schedule *WorkflowSchedule, lastRun time.Time) {
	next, err := o.engine.NextOccurrence(schedule.CronExpression, time.Now().UTC())
	if err != nil {
		o.logger.Warn("schedule %s: compute next occurrence: %v", schedule.ID, err)
		return
	}
	if err := o.store.UpdateRunTimes(schedule.ID, lastRun, next); err != nil {
		o.logger.Warn("schedule %s: persist run times: %v", schedule.ID, err)
	}
}
