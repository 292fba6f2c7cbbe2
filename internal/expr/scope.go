// Package expr implements the ${{ ... }} expression language used by
// workflow definitions: reference interpolation over tasks, environment,
// workflow metadata, matrix values and CLI parameters, plus the predicate
// functions evaluated for task `if` conditions.
package expr

import (
	"engine/internal/workflow"
)

// Scope supplies the values an expression can reference. The runner binds a
// scope per evaluating task so the dependency predicates (success(),
// failure()) see that task's dependencies.
type Scope interface {
	// TaskResult returns the recorded result for a task id.
	TaskResult(id string) (*workflow.TaskResult, bool)
	// Env looks up a declared environment variable. Host environment is
	// deliberately not consulted at this layer.
	Env(name string) (string, bool)
	// WorkflowField resolves workflow.<field> references; field is lowercase.
	WorkflowField(field string) (string, bool)
	// Matrix resolves matrix.<key> for the evaluating task.
	Matrix(key string) (string, bool)
	// Param resolves params.<name> CLI parameters.
	Param(name string) (string, bool)
	// DependenciesSucceeded reports whether every dependency of the
	// evaluating task succeeded.
	DependenciesSucceeded() bool
	// DependenciesFailed reports whether any dependency of the evaluating
	// task failed, timed out, or was cancelled.
	DependenciesFailed() bool
	// Cancelled reports whether the run has been marked cancelled.
	Cancelled() bool
}

// StaticScope is a map-backed Scope for tests and contexts outside a live
// run (matrix interpolation, trigger parameter resolution).
type StaticScope struct {
	Results      map[string]*workflow.TaskResult
	EnvVars      map[string]string
	Fields       map[string]string
	MatrixValues map[string]string
	Params       map[string]string
	DepsOK       bool
	DepsFailed   bool
	IsCancelled  bool
}

func (s *StaticScope) TaskResult(id string) (*workflow.TaskResult, bool) {
	r, ok := s.Results[id]
	return r, ok
}

func (s *StaticScope) Env(name string) (string, bool) {
	v, ok := s.EnvVars[name]
	return v, ok
}

func (s *StaticScope) WorkflowField(field string) (string, bool) {
	v, ok := s.Fields[field]
	return v, ok
}

func (s *StaticScope) Matrix(key string) (string, bool) {
	v, ok := s.MatrixValues[key]
	return v, ok
}

func (s *StaticScope) Param(name string) (string, bool) {
	v, ok := s.Params[name]
	return v, ok
}

func (s *StaticScope) DependenciesSucceeded() bool { return s.DepsOK }
func (s *StaticScope) DependenciesFailed() bool    { return s.DepsFailed }
func (s *StaticScope) Cancelled() bool             { return s.IsCancelled }
