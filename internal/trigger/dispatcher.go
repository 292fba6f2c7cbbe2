package trigger

import (
	"context"
	"fmt"

	"engine/internal/logging"
	"engine/internal/schedule"
)

// Scheduler is the dispatch entrypoint the trigger layer feeds.
type Scheduler interface {
	Dispatch(ctx context.Context, req schedule.ManualDispatchRequest) (string, error)
}

// Dispatcher converts a match result into a workflow dispatch and renders
// the rule's response template.
type Dispatcher struct {
	scheduler Scheduler
	logger    logging.Logger
}

// NewDispatcher wires a dispatcher to the scheduler.
func NewDispatcher(scheduler Scheduler, logger logging.Logger) *Dispatcher {
	return &Dispatcher{scheduler: scheduler, logger: logging.OrNop(logger)}
}

// Dispatch resolves the rule's parameter templates, launches the workflow,
// and returns the run id plus the rendered response (empty when the rule
// declares none).
func (d *Dispatcher) Dispatch(ctx context.Context, match *MatchResult) (runID, response string, err error) {
	rule := match.Rule

	params := make(map[string]string, len(rule.Parameters))
	for key, template := range rule.Parameters {
		params[key] = ResolveTemplate(template, match.Captures, nil, match.Message)
	}

	runID, err = d.scheduler.Dispatch(ctx, schedule.ManualDispatchRequest{
		WorkflowPath:    rule.WorkflowPath,
		InputParameters: params,
		Reason:          fmt.Sprintf("Triggered by %s", rule.Name),
		TriggeredBy:     match.Message.SenderDisplayName(),
	})
	if err != nil {
		return "", "", fmt.Errorf("dispatch %s: %w", rule.Name, err)
	}
	d.logger.Info("rule %s dispatched %s as run %s", rule.Name, rule.WorkflowPath, runID)

	if rule.ResponseTemplate != "" {
		response = ResolveTemplate(rule.ResponseTemplate, match.Captures, map[string]string{"runId": runID}, match.Message)
	}
	return runID, response, nil
}
