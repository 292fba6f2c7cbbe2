package workflow

import "time"

// TaskStatus is the lifecycle state of one task within a run.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusTimedOut  TaskStatus = "timedout"
	StatusSkipped   TaskStatus = "skipped"
	StatusCancelled TaskStatus = "cancelled"
)

// RunStatus is the overall outcome of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// CapturedOutput holds what the executor recorded from the child process.
type CapturedOutput struct {
	Stdout    string
	Stderr    string
	Bytes     []byte
	Truncated bool
}

// TaskResult records the outcome of one task execution.
type TaskResult struct {
	TaskID     string
	Status     TaskStatus
	ExitCode   int
	Output     CapturedOutput
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Attempts   int
}

// IsSuccess reports whether the task succeeded with exit code zero.
func (r *TaskResult) IsSuccess() bool {
	return r != nil && r.Status == StatusSucceeded && r.ExitCode == 0
}

// IsFailed reports whether the task failed, timed out, or was cancelled.
func (r *TaskResult) IsFailed() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// WasSkipped reports whether the task was skipped.
func (r *TaskResult) WasSkipped() bool {
	return r != nil && r.Status == StatusSkipped
}
