// Package schedule provides periodic workflow execution: a cron engine for
// expression parsing and humanization, a persistent schedule store, and the
// orchestrator that ticks, detects due schedules, and launches runs.
package schedule

import (
	"fmt"
	"time"
)

// WorkflowSchedule is one persisted schedule entry.
type WorkflowSchedule struct {
	ID              string            `json:"id"`
	WorkflowPath    string            `json:"workflowPath"`
	CronExpression  string            `json:"cronExpression"`
	Name            string            `json:"name,omitempty"`
	Description     string            `json:"description,omitempty"`
	Enabled         bool              `json:"enabled"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastRunAt       *time.Time        `json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time        `json:"nextRunAt,omitempty"`
	InputParameters map[string]string `json:"inputParameters,omitempty"`
	ExecutionPolicy ExecutionPolicy   `json:"executionPolicy"`
}

// Validate checks the minimum required fields.
func (s *WorkflowSchedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("schedule: id is required")
	}
	if s.WorkflowPath == "" {
		return fmt.Errorf("schedule: workflowPath is required")
	}
	if s.CronExpression == "" {
		return fmt.Errorf("schedule: cronExpression is required")
	}
	return nil
}

// DisplayName returns the schedule's name, falling back to its id.
func (s *WorkflowSchedule) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// ExecutionPolicy bounds how a schedule's runs behave.
type ExecutionPolicy struct {
	MaxConcurrentRuns int      `json:"maxConcurrentRuns"`
	AllowOverlap      bool     `json:"allowOverlap"`
	Timeout           Duration `json:"timeout,omitempty"`
	MaxRetries        int      `json:"maxRetries"`
}

// DefaultExecutionPolicy disallows overlap and retries nothing.
func DefaultExecutionPolicy() ExecutionPolicy {
	return ExecutionPolicy{MaxConcurrentRuns: 1}
}

// Duration marshals as a Go duration string in JSON.
type Duration time.Duration

// D converts to time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return []byte(`""`), nil
	}
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
