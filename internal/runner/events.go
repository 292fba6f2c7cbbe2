package runner

import (
	"sort"
	"sync"
	"time"

	"engine/internal/async"
	"engine/internal/logging"
	"engine/internal/workflow"
)

// EventKind discriminates lifecycle events.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "workflow.started"
	EventWaveStarted       EventKind = "wave.started"
	EventWaveCompleted     EventKind = "wave.completed"
	EventWorkflowCompleted EventKind = "workflow.completed"
	EventWorkflowCancelled EventKind = "workflow.cancelled"
	EventStepPaused        EventKind = "step.paused"
	EventStepResumed       EventKind = "step.resumed"

	EventTaskStarted   EventKind = "task.started"
	EventTaskOutput    EventKind = "task.output"
	EventTaskCompleted EventKind = "task.completed"
	EventTaskSkipped   EventKind = "task.skipped"
	EventTaskCancelled EventKind = "task.cancelled"

	EventScheduledRunTriggered EventKind = "schedule.run.triggered"
	EventScheduledRunCompleted EventKind = "schedule.run.completed"
	EventTriggerMatched        EventKind = "trigger.matched"
	EventTriggerCooldown       EventKind = "trigger.cooldown"
)

// OutputStream tags a TaskOutput line.
type OutputStream string

const (
	StreamStdout  OutputStream = "stdout"
	StreamStderr  OutputStream = "stderr"
	StreamCommand OutputStream = "command"
)

// Event is the envelope for every lifecycle event. Kind decides which of
// the optional fields are meaningful.
type Event struct {
	Kind       EventKind
	WorkflowID string
	RunID      string
	Timestamp  time.Time

	// Task events.
	TaskID    string
	TaskIndex int
	Result    *workflow.TaskResult
	Line      string
	Stream    OutputStream

	// Wave events.
	WaveIndex int
	WaveTasks int

	// Workflow / wave completion.
	RunStatus  workflow.RunStatus
	TotalTasks int
	Succeeded  int
	Failed     int
	Skipped    int
	Duration   time.Duration

	// Step events. CompletedTaskID is empty for the initial pause.
	CompletedTaskID string

	// Schedule and trigger events.
	ScheduleID   string
	WorkflowPath string
	IsManual     bool
	RuleName     string
	Error        string
}

// Handler consumes lifecycle events. Handlers must not block for long; they
// are invoked synchronously in subscription order.
type Handler func(Event)

// Publisher is a single-producer, multi-consumer broadcaster for lifecycle
// events. Handler panics are recovered and logged so a misbehaving consumer
// never aborts the run.
type Publisher struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	logger   logging.Logger
}

// NewPublisher returns an empty publisher.
func NewPublisher(logger logging.Logger) *Publisher {
	return &Publisher{
		handlers: make(map[int]Handler),
		logger:   logging.OrNop(logger),
	}
}

// Subscribe registers a handler and returns a function that removes it.
func (p *Publisher) Subscribe(h Handler) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = h
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// Publish stamps the event and delivers it to every handler in order.
// Delivery of one event never interleaves with itself across handlers.
func (p *Publisher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mu.RLock()
	ids := make([]int, 0, len(p.handlers))
	for id := range p.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, p.handlers[id])
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer async.Recover(p.logger, "event handler")
			h(event)
		}()
	}
}
