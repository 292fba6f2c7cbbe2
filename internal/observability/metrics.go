// Package observability exposes Prometheus counters for run, task,
// schedule, and trigger activity. The HTTP listener serves them on
// /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"engine/internal/runner"
	"engine/internal/workflow"
)

// Metrics holds the engine's counters.
type Metrics struct {
	runs           *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	scheduledRuns  *prometheus.CounterVec
	triggerMatches *prometheus.CounterVec
}

// NewMetrics registers the counters with reg (nil uses the default
// registerer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_runs_total",
			Help: "Workflow runs by terminal status.",
		}, []string{"status"}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_tasks_total",
			Help: "Task executions by terminal status.",
		}, []string{"status"}),
		scheduledRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_scheduled_runs_total",
			Help: "Scheduled run completions by terminal status.",
		}, []string{"status"}),
		triggerMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_engine_trigger_matches_total",
			Help: "Trigger rule matches by rule name.",
		}, []string{"rule"}),
	}
}

// Attach subscribes the metrics to the event stream and returns the
// unsubscribe function.
func (m *Metrics) Attach(publisher *runner.Publisher) func() {
	return publisher.Subscribe(m.Observe)
}

// Observe updates counters from one lifecycle event.
func (m *Metrics) Observe(event runner.Event) {
	switch event.Kind {
	case runner.EventWorkflowCompleted:
		m.runs.WithLabelValues(string(event.RunStatus)).Inc()
	case runner.EventTaskCompleted, runner.EventTaskSkipped, runner.EventTaskCancelled:
		status := workflow.StatusCancelled
		if event.Result != nil {
			status = event.Result.Status
		}
		m.tasks.WithLabelValues(string(status)).Inc()
	case runner.EventScheduledRunCompleted:
		m.scheduledRuns.WithLabelValues(string(event.RunStatus)).Inc()
	case runner.EventTriggerMatched:
		m.triggerMatches.WithLabelValues(event.RuleName).Inc()
	}
}
