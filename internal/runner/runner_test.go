package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engine/internal/workflow"
)

// stubExecutor returns canned results without launching processes.
type stubExecutor struct {
	mu    sync.Mutex
	fail  map[string]bool
	skip  map[string]bool
	delay map[string]time.Duration
	calls []string
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		fail:  make(map[string]bool),
		skip:  make(map[string]bool),
		delay: make(map[string]time.Duration),
	}
}

func (s *stubExecutor) Execute(ctx context.Context, task *workflow.Task, run *Context, progress ProgressFunc) *workflow.TaskResult {
	s.mu.Lock()
	s.calls = append(s.calls, task.ID)
	delay := s.delay[task.ID]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return &workflow.TaskResult{TaskID: task.ID, Status: workflow.StatusCancelled, ExitCode: -1, Error: "Task was cancelled"}
		case <-time.After(delay):
		}
	}
	if ctx.Err() != nil {
		return &workflow.TaskResult{TaskID: task.ID, Status: workflow.StatusCancelled, ExitCode: -1, Error: "Task was cancelled"}
	}
	if s.skip[task.ID] {
		return &workflow.TaskResult{TaskID: task.ID, Status: workflow.StatusSkipped, Error: "condition not met"}
	}
	if s.fail[task.ID] {
		return &workflow.TaskResult{TaskID: task.ID, Status: workflow.StatusFailed, ExitCode: 1, Error: "exit code 1"}
	}
	if progress != nil {
		progress(task, "done", StreamStdout)
	}
	return &workflow.TaskResult{TaskID: task.ID, Status: workflow.StatusSucceeded}
}

func (s *stubExecutor) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestRunner(exec TaskExecutor) (*Runner, *eventRecorder) {
	recorder := &eventRecorder{}
	publisher := NewPublisher(nil)
	publisher.Subscribe(recorder.handle)
	return New(exec, publisher, nil), recorder
}

func task(id string, deps ...string) *workflow.Task {
	return &workflow.Task{ID: id, Run: "true", DependsOn: deps}
}

func TestRunSequentialChainEventOrdering(t *testing.T) {
	wf := &workflow.Workflow{
		Name:  "chain",
		Tasks: []*workflow.Task{task("a"), task("b", "a"), task("c", "b")},
	}
	exec := newStubExecutor()
	r, recorder := newTestRunner(exec)

	run, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, exec.executed())
	assert.Equal(t, workflow.RunSucceeded, run.OverallStatus())

	assert.Equal(t, []EventKind{
		EventWorkflowStarted,
		EventWaveStarted, EventTaskStarted, EventTaskOutput, EventTaskCompleted, EventWaveCompleted,
		EventWaveStarted, EventTaskStarted, EventTaskOutput, EventTaskCompleted, EventWaveCompleted,
		EventWaveStarted, EventTaskStarted, EventTaskOutput, EventTaskCompleted, EventWaveCompleted,
		EventWorkflowCompleted,
	}, recorder.kinds())

	started := recorder.ofKind(EventWorkflowStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 3, started[0].TotalTasks)
	assert.NotEmpty(t, started[0].RunID)

	completed := recorder.ofKind(EventWorkflowCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, workflow.RunSucceeded, completed[0].RunStatus)
	assert.Equal(t, 3, completed[0].Succeeded)
}

func TestRunDiamondRunsMiddleWaveConcurrently(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "diamond",
		Tasks: []*workflow.Task{
			task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"),
		},
	}
	exec := newStubExecutor()
	r, recorder := newTestRunner(exec)

	_, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	calls := exec.executed()
	require.Len(t, calls, 4)
	assert.Equal(t, "a", calls[0])
	assert.Equal(t, "d", calls[3])

	waves := recorder.ofKind(EventWaveCompleted)
	require.Len(t, waves, 3)
	assert.Equal(t, 2, waves[1].WaveTasks)
	assert.Equal(t, 2, waves[1].Succeeded)
}

func TestRunTaskIndicesAreUniqueAndDense(t *testing.T) {
	wf := &workflow.Workflow{
		Name:  "indices",
		Tasks: []*workflow.Task{task("a"), task("b"), task("c"), task("d", "a", "b", "c")},
	}
	exec := newStubExecutor()
	r, recorder := newTestRunner(exec)

	_, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	seen := make(map[int]bool)
	for _, e := range recorder.ofKind(EventTaskStarted) {
		seen[e.TaskIndex] = true
	}
	for i := 1; i <= 4; i++ {
		assert.True(t, seen[i], "missing task index %d", i)
	}
}

func TestRunCountsBalanceAcrossOutcomes(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "mixed",
		Tasks: []*workflow.Task{
			task("ok1"), task("ok2"), task("bad"), task("meh"),
		},
	}
	exec := newStubExecutor()
	exec.fail["bad"] = true
	exec.skip["meh"] = true
	r, recorder := newTestRunner(exec)

	run, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	succeeded, failed, skipped := run.Counts()
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, workflow.RunFailed, run.OverallStatus())

	completed := recorder.ofKind(EventWorkflowCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, len(wf.Tasks), completed[0].Succeeded+completed[0].Failed+completed[0].Skipped)
}

func TestRunStopOnFirstFailureSkipsLaterWaves(t *testing.T) {
	wf := &workflow.Workflow{
		Name:  "halt",
		Tasks: []*workflow.Task{task("a"), task("b", "a"), task("c", "b")},
	}
	exec := newStubExecutor()
	exec.fail["b"] = true
	r, _ := newTestRunner(exec)

	run, err := r.Run(context.Background(), wf, Options{StopOnFirstFailure: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, exec.executed())
	assert.Equal(t, workflow.RunFailed, run.OverallStatus())
}

func TestRunContinueOnErrorDoesNotStopRun(t *testing.T) {
	flaky := task("b", "a")
	flaky.ContinueOnError = true
	wf := &workflow.Workflow{
		Name:  "tolerant",
		Tasks: []*workflow.Task{task("a"), flaky, task("c", "b")},
	}
	exec := newStubExecutor()
	exec.fail["b"] = true
	r, _ := newTestRunner(exec)

	_, err := r.Run(context.Background(), wf, Options{StopOnFirstFailure: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, exec.executed())
}

func TestRunCancellationEmitsCancelledThenCompleted(t *testing.T) {
	wf := &workflow.Workflow{
		Name:  "cancel",
		Tasks: []*workflow.Task{task("slow"), task("next", "slow")},
	}
	exec := newStubExecutor()
	exec.delay["slow"] = 5 * time.Second
	r, recorder := newTestRunner(exec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	run, err := r.Run(ctx, wf, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, workflow.RunCancelled, run.OverallStatus())

	kinds := recorder.kinds()
	cancelledAt, completedAt := -1, -1
	for i, k := range kinds {
		switch k {
		case EventWorkflowCancelled:
			cancelledAt = i
		case EventWorkflowCompleted:
			completedAt = i
		}
	}
	require.GreaterOrEqual(t, cancelledAt, 0)
	require.GreaterOrEqual(t, completedAt, 0)
	assert.Less(t, cancelledAt, completedAt)
}

func TestRunAlwaysTaskRunsAfterCancellation(t *testing.T) {
	cleanup := task("cleanup", "slow")
	cleanup.If = "${{ always() }}"
	wf := &workflow.Workflow{
		Name:  "cleanup-run",
		Tasks: []*workflow.Task{task("slow"), cleanup},
	}
	exec := newStubExecutor()
	exec.delay["slow"] = 5 * time.Second
	r, _ := newTestRunner(exec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, wf, Options{})
	require.ErrorIs(t, err, context.Canceled)

	assert.Contains(t, exec.executed(), "cleanup")
}

func TestRunDryRunRecordsPendingWithoutExecuting(t *testing.T) {
	wf := &workflow.Workflow{
		Name:  "dry",
		Tasks: []*workflow.Task{task("a"), task("b", "a")},
	}
	exec := newStubExecutor()
	r, recorder := newTestRunner(exec)

	run, err := r.Run(context.Background(), wf, Options{DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, exec.executed())
	for _, result := range run.Results() {
		assert.Equal(t, workflow.StatusPending, result.Status)
	}
	assert.Empty(t, recorder.ofKind(EventTaskStarted))
}

func TestRunStepModePausesBetweenTasks(t *testing.T) {
	wf := &workflow.Workflow{
		Name:  "stepped",
		Tasks: []*workflow.Task{task("a"), task("b", "a")},
	}
	exec := newStubExecutor()
	gate := NewStepGate()
	r, recorder := newTestRunner(exec)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Run(context.Background(), wf, Options{StepMode: true, Gate: gate})
		assert.NoError(t, err)
	}()

	// One release per pause: initial, then one between the two waves.
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool {
			return len(recorder.ofKind(EventStepPaused)) == i+1
		}, time.Second, 5*time.Millisecond)
		gate.Release()
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stepped run did not finish")
	}

	assert.Equal(t, []string{"a", "b"}, exec.executed())
	pauses := recorder.ofKind(EventStepPaused)
	require.Len(t, pauses, 2)
	assert.Equal(t, "", pauses[0].CompletedTaskID)
	assert.Equal(t, "a", pauses[1].CompletedTaskID)
}

func TestRunMatrixTasksRegisteredForRetry(t *testing.T) {
	mt := &workflow.Task{
		ID:  "build",
		Run: "echo ${{ matrix.os }}",
		Matrix: &workflow.MatrixSpec{
			Dimensions: []workflow.MatrixDimension{{Name: "os", Values: []string{"linux", "darwin"}}},
		},
	}
	wf := &workflow.Workflow{Name: "matrix", Tasks: []*workflow.Task{mt}}
	exec := newStubExecutor()
	r, _ := newTestRunner(exec)

	run, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	_, ok := run.TaskByID("build-linux")
	assert.True(t, ok)
	_, ok = run.TaskByID("build-darwin")
	assert.True(t, ok)
}

func TestRetrierRefusesSucceededTask(t *testing.T) {
	wf := &workflow.Workflow{Name: "retry", Tasks: []*workflow.Task{task("a")}}
	exec := newStubExecutor()
	r, _ := newTestRunner(exec)

	run, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	retrier := NewRetrier(exec, r.Publisher(), nil)
	_, err = retrier.Retry(context.Background(), "a", run)
	assert.ErrorContains(t, err, "only failed or timed-out")
}

func TestRetrierRerunsFailedTask(t *testing.T) {
	wf := &workflow.Workflow{Name: "retry", Tasks: []*workflow.Task{task("a")}}
	exec := newStubExecutor()
	exec.fail["a"] = true
	r, recorder := newTestRunner(exec)

	run, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)
	require.Equal(t, workflow.RunFailed, run.OverallStatus())

	exec.fail["a"] = false
	retrier := NewRetrier(exec, r.Publisher(), nil)
	result, err := retrier.Retry(context.Background(), "a", run)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSucceeded, result.Status)

	stored, ok := run.Result("a")
	require.True(t, ok)
	assert.Equal(t, workflow.StatusSucceeded, stored.Status)
	assert.Equal(t, workflow.RunSucceeded, run.OverallStatus())

	// Two completions: the original failure and the retry.
	assert.Len(t, recorder.ofKind(EventTaskCompleted), 2)
}

func TestRetrierUnknownTask(t *testing.T) {
	wf := &workflow.Workflow{Name: "retry", Tasks: []*workflow.Task{task("a")}}
	exec := newStubExecutor()
	r, _ := newTestRunner(exec)

	run, err := r.Run(context.Background(), wf, Options{})
	require.NoError(t, err)

	retrier := NewRetrier(exec, r.Publisher(), nil)
	_, err = retrier.Retry(context.Background(), "ghost", run)
	assert.ErrorContains(t, err, "unknown task")
}

func TestPublisherOrderAndPanicRecovery(t *testing.T) {
	p := NewPublisher(nil)

	var order []string
	var mu sync.Mutex
	p.Subscribe(func(Event) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	p.Subscribe(func(Event) { panic("bad handler") })
	p.Subscribe(func(Event) {
		mu.Lock()
		order = append(order, "third")
		mu.Unlock()
	})

	assert.NotPanics(t, func() { p.Publish(Event{Kind: EventTaskStarted}) })
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestPublisherUnsubscribe(t *testing.T) {
	p := NewPublisher(nil)
	count := 0
	cancel := p.Subscribe(func(Event) { count++ })

	p.Publish(Event{Kind: EventTaskStarted})
	cancel()
	p.Publish(Event{Kind: EventTaskStarted})

	assert.Equal(t, 1, count)
}

func TestContextFullEnvDeclaredWins(t *testing.T) {
	t.Setenv("ENGINE_TEST_VAR", "host")
	wf := &workflow.Workflow{
		Name: "env",
		Env:  map[string]string{"ENGINE_TEST_VAR": "declared"},
	}
	run := NewContext(context.Background(), wf, ContextOptions{})

	var found string
	for _, kv := range run.FullEnv() {
		if len(kv) > len("ENGINE_TEST_VAR=") && kv[:len("ENGINE_TEST_VAR=")] == "ENGINE_TEST_VAR=" {
			found = kv[len("ENGINE_TEST_VAR="):]
		}
	}
	assert.Equal(t, "declared", found)
}

func TestContextPerTaskCancellation(t *testing.T) {
	wf := &workflow.Workflow{Name: "percancel"}
	run := NewContext(context.Background(), wf, ContextOptions{})

	ctxA, cancelA := run.TaskContext(context.Background(), "a")
	defer cancelA()
	ctxB, cancelB := run.TaskContext(context.Background(), "b")
	defer cancelB()

	run.RequestTaskCancellation("a")

	assert.Error(t, ctxA.Err())
	assert.NoError(t, ctxB.Err())
	assert.False(t, run.Cancelled())
}

func TestContextDependenciesSucceededExemptsAlwaysTasks(t *testing.T) {
	cleanup := &workflow.Task{ID: "cleanup", Run: "true", If: "${{ always() }}"}
	build := &workflow.Task{ID: "build", Run: "true"}
	wf := &workflow.Workflow{Name: "gate", Tasks: []*workflow.Task{cleanup, build}}
	run := NewContext(context.Background(), wf, ContextOptions{})
	run.RegisterTasks(cleanup, build)

	// cleanup runs after the regular waves, so it has no result yet and
	// must not gate its dependents.
	assert.True(t, run.DependenciesSucceeded([]string{"cleanup"}))
	assert.False(t, run.DependenciesSucceeded([]string{"build"}))

	run.SetResult(&workflow.TaskResult{TaskID: "build", Status: workflow.StatusSucceeded})
	assert.True(t, run.DependenciesSucceeded([]string{"build", "cleanup"}))
}

func TestContextScopeEnvIgnoresHost(t *testing.T) {
	t.Setenv("ENGINE_SCOPE_ONLY_HOST", "leaky")
	wf := &workflow.Workflow{Name: "scope", Env: map[string]string{"DECLARED": "yes"}}
	run := NewContext(context.Background(), wf, ContextOptions{})
	scope := run.ScopeFor(&workflow.Task{ID: "t"})

	v, ok := scope.Env("DECLARED")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)

	_, ok = scope.Env("ENGINE_SCOPE_ONLY_HOST")
	assert.False(t, ok)
}

func TestStatsSnapshotBalances(t *testing.T) {
	s := NewStats()
	s.NextIndex()
	s.NextIndex()
	s.IncrementSucceeded()
	s.IncrementFailed()
	s.IncrementSkipped()

	succeeded, failed, skipped, completed, started := s.Snapshot()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 3, completed)
	assert.Equal(t, 2, started)
}
