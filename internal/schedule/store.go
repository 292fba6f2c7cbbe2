package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrScheduleNotFound is returned when a schedule lookup fails.
var ErrScheduleNotFound = fmt.Errorf("schedule not found")

// Store is the persistence contract for schedules.
type Store interface {
	Get(id string) (*WorkflowSchedule, error)
	GetAll() ([]*WorkflowSchedule, error)
	GetEnabled() ([]*WorkflowSchedule, error)
	Save(schedule *WorkflowSchedule) error
	Delete(id string) error
	UpdateRunTimes(id string, lastRun, nextRun time.Time) error
}

// FileStore persists schedules as a JSON array in a single file, protected
// by a per-process mutex. Writes go through a temp file and rename.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// DefaultStorePath returns ~/.workflow-engine/schedules.json.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".workflow-engine", "schedules.json")
}

// NewFileStore opens (or will lazily create) the store at path. An empty
// path uses the default location.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultStorePath()
	}
	return &FileStore{path: path}
}

func (s *FileStore) load() ([]*WorkflowSchedule, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schedule store: %w", err)
	}
	var schedules []*WorkflowSchedule
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, fmt.Errorf("parse schedule store %s: %w", s.path, err)
	}
	return schedules, nil
}

func (s *FileStore) persist(schedules []*WorkflowSchedule) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create schedule store dir: %w", err)
	}
	data, err := json.MarshalIndent(schedules, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedule store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedule store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace schedule store: %w", err)
	}
	return nil
}

// Get returns the schedule with the given id.
func (s *FileStore) Get(id string) (*WorkflowSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedules, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, sched := range schedules {
		if sched.ID == id {
			return sched, nil
		}
	}
	return nil, fmt.Errorf("schedule %q: %w", id, ErrScheduleNotFound)
}

// GetAll returns every persisted schedule.
func (s *FileStore) GetAll() ([]*WorkflowSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// GetEnabled returns the enabled schedules.
func (s *FileStore) GetEnabled() ([]*WorkflowSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedules, err := s.load()
	if err != nil {
		return nil, err
	}
	enabled := make([]*WorkflowSchedule, 0, len(schedules))
	for _, sched := range schedules {
		if sched.Enabled {
			enabled = append(enabled, sched)
		}
	}
	return enabled, nil
}

// Save creates or overwrites the entry for schedule.ID.
func (s *FileStore) Save(schedule *WorkflowSchedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	schedules, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, sched := range schedules {
		if sched.ID == schedule.ID {
			schedules[i] = schedule
			replaced = true
			break
		}
	}
	if !replaced {
		schedules = append(schedules, schedule)
	}
	return s.persist(schedules)
}

// Delete removes the entry for id.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedules, err := s.load()
	if err != nil {
		return err
	}
	for i, sched := range schedules {
		if sched.ID == id {
			return s.persist(append(schedules[:i], schedules[i+1:]...))
		}
	}
	return fmt.Errorf("schedule %q: %w", id, ErrScheduleNotFound)
}

// UpdateRunTimes persists new lastRunAt/nextRunAt for id.
func (s *FileStore) UpdateRunTimes(id string, lastRun, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedules, err := s.load()
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if sched.ID == id {
			last, next := lastRun, nextRun
			sched.LastRunAt = &last
			sched.NextRunAt = &next
			return s.persist(schedules)
		}
	}
	return fmt.Errorf("schedule %q: %w", id, ErrScheduleNotFound)
}
