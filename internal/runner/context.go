package runner

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"engine/internal/expr"
	"engine/internal/utils/id"
	"engine/internal/workflow"
)

// Context carries the shared mutable state of one workflow run: recorded
// task results, per-task cancellation handles, the merged environment, and
// the run-level cancellation signal. The Runner owns it exclusively for the
// duration of the run; the expression evaluator reads it through ScopeFor.
type Context struct {
	Workflow   *workflow.Workflow
	RunID      string
	WorkingDir string
	Params     map[string]string
	StartedAt  time.Time

	declaredEnv map[string]string

	mu        sync.Mutex
	tasks     map[string]*workflow.Task
	results   map[string]*workflow.TaskResult
	order     []string
	cancels   map[string]context.CancelFunc
	vars      map[string]any
	cancelled bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// ContextOptions configures a run context.
type ContextOptions struct {
	WorkingDir string
	// RunID pins the run identifier. The schedule orchestrator mints it
	// ahead of launch so the trigger event can carry it; empty means
	// generate one.
	RunID string
	// ExtraEnv overlays the workflow's declared environment (CLI -e flags,
	// schedule input parameters). Ties go to ExtraEnv.
	ExtraEnv map[string]string
	Params   map[string]string
}

// NewContext builds the run context, linking the run-level cancellation to
// the caller's ctx.
func NewContext(ctx context.Context, wf *workflow.Workflow, opts ContextOptions) *Context {
	declared := make(map[string]string, len(wf.Env)+len(opts.ExtraEnv))
	for k, v := range wf.Env {
		declared[k] = v
	}
	for k, v := range opts.ExtraEnv {
		declared[k] = v
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workingDir = wd
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = id.NewRunID()
	}

	runCtx, runCancel := context.WithCancel(ctx)
	return &Context{
		Workflow:    wf,
		RunID:       runID,
		WorkingDir:  workingDir,
		Params:      opts.Params,
		StartedAt:   time.Now().UTC(),
		declaredEnv: declared,
		tasks:       make(map[string]*workflow.Task),
		results:     make(map[string]*workflow.TaskResult),
		cancels:     make(map[string]context.CancelFunc),
		vars:        make(map[string]any),
		runCtx:      runCtx,
		runCancel:   runCancel,
	}
}

// RunContext returns the run-level cancellation context.
func (c *Context) RunContext() context.Context { return c.runCtx }

// DeclaredEnv returns a copy of the declared environment (workflow env plus
// caller overlays). This is the only environment visible to expressions.
func (c *Context) DeclaredEnv() map[string]string {
	out := make(map[string]string, len(c.declaredEnv))
	for k, v := range c.declaredEnv {
		out[k] = v
	}
	return out
}

// FullEnv returns the child-process environment: the host environment with
// declared variables winning ties.
func (c *Context) FullEnv() []string {
	declared := c.declaredEnv
	var env []string
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, shadowed := declared[key]; !shadowed {
			env = append(env, kv)
		}
	}
	for k, v := range declared {
		env = append(env, k+"="+v)
	}
	return env
}

// RegisterTasks indexes the plan's expanded tasks so the retrier and the
// UI can look them up by id.
func (c *Context) RegisterTasks(tasks ...*workflow.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		c.tasks[strings.ToLower(t.ID)] = t
	}
}

// TaskByID returns an expanded task by id, case-insensitively.
func (c *Context) TaskByID(taskID string) (*workflow.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[strings.ToLower(taskID)]
	return t, ok
}

// SetResult records a task result. Results are write-once during a normal
// run; the retrier overwrites deliberately.
func (c *Context) SetResult(result *workflow.TaskResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(result.TaskID)
	if _, seen := c.results[key]; !seen {
		c.order = append(c.order, result.TaskID)
	}
	c.results[key] = result
}

// Result returns the recorded result for a task id, case-insensitively.
func (c *Context) Result(taskID string) (*workflow.TaskResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[strings.ToLower(taskID)]
	return r, ok
}

// Results returns all recorded results in insertion order.
func (c *Context) Results() []*workflow.TaskResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*workflow.TaskResult, 0, len(c.order))
	for _, taskID := range c.order {
		out = append(out, c.results[strings.ToLower(taskID)])
	}
	return out
}

// SetVar stores a free-form variable for producer/consumer steps.
func (c *Context) SetVar(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[key] = value
}

// Var reads a free-form variable.
func (c *Context) Var(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[key]
	return v, ok
}

// TaskContext mints a cancellation context for one task attempt, linked to
// parent, and registers its handle so RequestTaskCancellation can reach it.
// A later call for the same id replaces the handle, which is what a retry
// needs.
func (c *Context) TaskContext(parent context.Context, taskID string) (context.Context, context.CancelFunc) {
	taskCtx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancels[strings.ToLower(taskID)] = cancel
	c.mu.Unlock()
	return taskCtx, cancel
}

// RequestTaskCancellation fires the per-task signal, leaving siblings and
// the run itself untouched.
func (c *Context) RequestTaskCancellation(taskID string) {
	c.mu.Lock()
	cancel := c.cancels[strings.ToLower(taskID)]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RemoveTaskCancellation discards the per-task handle after the task
// finishes.
func (c *Context) RemoveTaskCancellation(taskID string) {
	c.mu.Lock()
	delete(c.cancels, strings.ToLower(taskID))
	c.mu.Unlock()
}

// MarkCancelled cancels the run signal and locks the overall status to
// Cancelled.
func (c *Context) MarkCancelled() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.runCancel()
}

// Cancelled reports whether the run was marked cancelled.
func (c *Context) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// DependenciesSucceeded reports whether every listed dependency has a
// recorded Succeeded result. Always-task dependencies are exempt from the
// gate: they run as the synthetic final wave, so they have no result yet
// when their dependents are evaluated.
func (c *Context) DependenciesSucceeded(deps []string) bool {
	for _, dep := range deps {
		if c.isAlwaysTask(dep) {
			continue
		}
		r, ok := c.Result(dep)
		if !ok || r.Status != workflow.StatusSucceeded {
			return false
		}
	}
	return true
}

// isAlwaysTask reports whether the registered task carries an always()
// condition.
func (c *Context) isAlwaysTask(taskID string) bool {
	t, ok := c.TaskByID(taskID)
	return ok && expr.ContainsAlways(t.If)
}

// DependenciesFailed reports whether any listed dependency failed, timed
// out, or was cancelled.
func (c *Context) DependenciesFailed(deps []string) bool {
	for _, dep := range deps {
		if r, ok := c.Result(dep); ok && r.IsFailed() {
			return true
		}
	}
	return false
}

// HasFailure reports whether any recorded result failed.
func (c *Context) HasFailure() bool {
	for _, r := range c.Results() {
		if r.IsFailed() {
			return true
		}
	}
	return false
}

// AllSucceeded reports whether every recorded result is Succeeded or
// Skipped with at least one Succeeded.
func (c *Context) AllSucceeded() bool {
	succeeded := 0
	for _, r := range c.Results() {
		switch r.Status {
		case workflow.StatusSucceeded:
			succeeded++
		case workflow.StatusSkipped:
		default:
			return false
		}
	}
	return succeeded > 0
}

// OverallStatus derives the run status from the recorded results.
func (c *Context) OverallStatus() workflow.RunStatus {
	if c.Cancelled() {
		return workflow.RunCancelled
	}
	if c.HasFailure() {
		return workflow.RunFailed
	}
	if c.AllSucceeded() {
		return workflow.RunSucceeded
	}
	return workflow.RunPending
}

// Counts tallies recorded results as (succeeded, failed, skipped).
func (c *Context) Counts() (succeeded, failed, skipped int) {
	for _, r := range c.Results() {
		switch {
		case r.Status == workflow.StatusSucceeded:
			succeeded++
		case r.WasSkipped():
			skipped++
		case r.IsFailed():
			failed++
		}
	}
	return
}

// ScopeFor binds an expression scope to the evaluating task.
func (c *Context) ScopeFor(task *workflow.Task) expr.Scope {
	return &taskScope{ctx: c, task: task}
}

type taskScope struct {
	ctx  *Context
	task *workflow.Task
}

func (s *taskScope) TaskResult(taskID string) (*workflow.TaskResult, bool) {
	return s.ctx.Result(taskID)
}

func (s *taskScope) Env(name string) (string, bool) {
	// Declared environment only: containerized runs must not leak host env
	// into expressions.
	if s.task != nil {
		if v, ok := s.task.Env[name]; ok {
			return v, true
		}
	}
	v, ok := s.ctx.declaredEnv[name]
	return v, ok
}

func (s *taskScope) WorkflowField(field string) (string, bool) {
	switch field {
	case "name", "id":
		return s.ctx.Workflow.Name, true
	case "runid":
		return s.ctx.RunID, true
	case "workingdirectory":
		return s.ctx.WorkingDir, true
	case "description":
		return s.ctx.Workflow.Description, true
	case "taskcount":
		return strconv.Itoa(len(s.ctx.Workflow.Tasks)), true
	case "elapsedms":
		return strconv.FormatInt(time.Since(s.ctx.StartedAt).Milliseconds(), 10), true
	default:
		return "", false
	}
}

func (s *taskScope) Matrix(key string) (string, bool) {
	if s.task == nil {
		return "", false
	}
	if v, ok := s.task.MatrixValues[key]; ok {
		return v, true
	}
	for k, v := range s.task.MatrixValues {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func (s *taskScope) Param(name string) (string, bool) {
	v, ok := s.ctx.Params[name]
	return v, ok
}

func (s *taskScope) DependenciesSucceeded() bool {
	if s.task == nil {
		return true
	}
	return s.ctx.DependenciesSucceeded(s.task.DependsOn)
}

func (s *taskScope) DependenciesFailed() bool {
	if s.task == nil {
		return false
	}
	return s.ctx.DependenciesFailed(s.task.DependsOn)
}

func (s *taskScope) Cancelled() bool {
	return s.ctx.Cancelled()
}
