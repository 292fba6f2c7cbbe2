package runner

import "sync"

// Stats tracks per-run execution counters. Increments are mutually
// exclusive per outcome; Snapshot returns a consistent quintuple.
type Stats struct {
	mu             sync.Mutex
	succeeded      int
	failed         int
	skipped        int
	totalCompleted int
	taskIndex      int
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

// NextIndex hands out the next running task index, starting at 1.
func (s *Stats) NextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskIndex++
	return s.taskIndex
}

// IncrementSucceeded records one succeeded task.
func (s *Stats) IncrementSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded++
	s.totalCompleted++
}

// IncrementFailed records one failed, timed-out, or cancelled task.
func (s *Stats) IncrementFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.totalCompleted++
}

// IncrementSkipped records one skipped task.
func (s *Stats) IncrementSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped++
	s.totalCompleted++
}

// Snapshot returns (succeeded, failed, skipped, totalCompleted, taskIndex)
// read atomically.
func (s *Stats) Snapshot() (succeeded, failed, skipped, totalCompleted, taskIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded, s.failed, s.skipped, s.totalCompleted, s.taskIndex
}
