// Package webhook delivers run lifecycle events to workflow-declared HTTP
// targets. A notifier subscribes to the event stream for the duration of a
// run and posts JSON payloads, filtered per target.
package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"engine/internal/async"
	"engine/internal/logging"
	"engine/internal/runner"
	"engine/internal/workflow"
)

// Notifier implements runner.WebhookNotifier.
type Notifier struct {
	publisher *runner.Publisher
	client    *http.Client
	logger    logging.Logger

	mu   sync.Mutex
	subs map[string]func()
}

// NewNotifier wires a notifier to the event stream.
func NewNotifier(publisher *runner.Publisher, logger logging.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logging.OrNop(logger),
		subs:      make(map[string]func()),
	}
}

// RegisterWebhooks starts forwarding the run's events to the declared
// targets. Registration is idempotent per run id.
func (n *Notifier) RegisterWebhooks(runID, workflowName string, configs []workflow.WebhookSpec) {
	if len(configs) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.subs[runID]; exists {
		return
	}
	n.subs[runID] = n.publisher.Subscribe(func(event runner.Event) {
		if event.RunID != runID {
			return
		}
		for _, cfg := range configs {
			if wantsEvent(cfg.Events, event.Kind) {
				target := cfg
				async.Go(n.logger, "webhook delivery", func() {
					n.deliver(target, workflowName, event)
				})
			}
		}
	})
}

// UnregisterWebhooks stops forwarding for the run.
func (n *Notifier) UnregisterWebhooks(runID string) {
	n.mu.Lock()
	unsubscribe := n.subs[runID]
	delete(n.subs, runID)
	n.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// wantsEvent applies the target's event filter; an empty filter takes
// everything.
func wantsEvent(filter []string, kind runner.EventKind) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		if strings.EqualFold(want, string(kind)) {
			return true
		}
	}
	return false
}

// payload is the wire shape of one delivered event.
type payload struct {
	Event      string `json:"event"`
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
	Timestamp  string `json:"timestamp"`
	TaskID     string `json:"taskId,omitempty"`
	Status     string `json:"status,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
	Succeeded  int    `json:"succeeded,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	Skipped    int    `json:"skipped,omitempty"`
}

func (n *Notifier) deliver(cfg workflow.WebhookSpec, workflowName string, event runner.Event) {
	body := payload{
		Event:      string(event.Kind),
		WorkflowID: workflowName,
		RunID:      event.RunID,
		Timestamp:  event.Timestamp.Format(time.RFC3339),
		TaskID:     event.TaskID,
		DurationMS: event.Duration.Milliseconds(),
		Succeeded:  event.Succeeded,
		Failed:     event.Failed,
		Skipped:    event.Skipped,
	}
	if event.Result != nil {
		body.Status = string(event.Result.Status)
		exitCode := event.Result.ExitCode
		body.ExitCode = &exitCode
		body.Error = event.Result.Error
	} else if event.RunStatus != "" {
		body.Status = string(event.RunStatus)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		n.logger.Warn("webhook %s: encode: %v", cfg.URL, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(encoded))
	if err != nil {
		n.logger.Warn("webhook %s: %v", cfg.URL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook %s: %v", cfg.URL, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook %s: status %d", cfg.URL, resp.StatusCode)
	}
}
