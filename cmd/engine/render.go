package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"engine/internal/runner"
	"engine/internal/utils"
	"engine/internal/workflow"
)

type rendererOptions struct {
	Verbose bool
	Quiet   bool
	JSON    bool
}

// renderer turns lifecycle events into console output. It is registered as
// an event handler, so writes are already serialized by the publisher.
type renderer struct {
	out  io.Writer
	opts rendererOptions

	mu      sync.Mutex
	encoder *json.Encoder
}

func newRenderer(out io.Writer, opts rendererOptions) *renderer {
	r := &renderer{out: out, opts: opts}
	if opts.JSON {
		r.encoder = json.NewEncoder(out)
	}
	return r
}

// eventLine is the machine-readable shape emitted by --json, one object per
// line.
type eventLine struct {
	Event      string `json:"event"`
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
	Timestamp  string `json:"timestamp"`
	TaskID     string `json:"taskId,omitempty"`
	Status     string `json:"status,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Error      string `json:"error,omitempty"`
	Line       string `json:"line,omitempty"`
	Stream     string `json:"stream,omitempty"`
	WaveIndex  *int   `json:"wave,omitempty"`
	Succeeded  int    `json:"succeeded,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	Skipped    int    `json:"skipped,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

func (r *renderer) Handle(event runner.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.JSON {
		r.handleJSON(event)
		return
	}
	r.handleHuman(event)
}

func (r *renderer) handleJSON(event runner.Event) {
	line := eventLine{
		Event:      string(event.Kind),
		WorkflowID: event.WorkflowID,
		RunID:      event.RunID,
		Timestamp:  event.Timestamp.Format(time.RFC3339Nano),
		TaskID:     event.TaskID,
		Line:       event.Line,
		Stream:     string(event.Stream),
		Succeeded:  event.Succeeded,
		Failed:     event.Failed,
		Skipped:    event.Skipped,
		DurationMS: event.Duration.Milliseconds(),
	}
	if event.Result != nil {
		line.Status = string(event.Result.Status)
		exitCode := event.Result.ExitCode
		line.ExitCode = &exitCode
		line.Error = event.Result.Error
	} else if event.RunStatus != "" {
		line.Status = string(event.RunStatus)
	}
	if event.Kind == runner.EventWaveStarted || event.Kind == runner.EventWaveCompleted {
		wave := event.WaveIndex
		line.WaveIndex = &wave
	}
	_ = r.encoder.Encode(line)
}

func (r *renderer) handleHuman(event runner.Event) {
	switch event.Kind {
	case runner.EventWorkflowStarted:
		if !r.opts.Quiet {
			fmt.Fprintf(r.out, "%s %s (%d tasks, run %s)\n",
				bold("Running"), event.WorkflowID, event.TotalTasks, gray(event.RunID))
		}

	case runner.EventTaskStarted:
		if !r.opts.Quiet {
			fmt.Fprintf(r.out, "%s %s\n", cyan("▶"), event.TaskID)
		}

	case runner.EventTaskOutput:
		if r.opts.Verbose && !r.opts.Quiet {
			prefix := "  "
			if event.Stream == runner.StreamStderr {
				prefix = "  " + red("!") + " "
			} else if event.Stream == runner.StreamCommand {
				prefix = "  " + gray("$") + " "
			}
			fmt.Fprintf(r.out, "%s%s\n", prefix, event.Line)
		}

	case runner.EventTaskCompleted, runner.EventTaskSkipped, runner.EventTaskCancelled:
		if r.opts.Quiet {
			return
		}
		status := workflow.StatusCancelled
		detail := ""
		if event.Result != nil {
			status = event.Result.Status
			detail = event.Result.Error
		}
		mark := green("✓")
		switch status {
		case workflow.StatusFailed, workflow.StatusTimedOut:
			mark = red("✗")
		case workflow.StatusSkipped:
			mark = gray("-")
		case workflow.StatusCancelled:
			mark = yellow("⊘")
		}
		line := fmt.Sprintf("%s %s %s", mark, event.TaskID, styleStatus(string(status)))
		if event.Duration > 0 {
			line += gray(" (" + utils.FormatSeconds(event.Duration) + ")")
		}
		if detail != "" && status != workflow.StatusSucceeded {
			line += gray(": " + detail)
		}
		fmt.Fprintln(r.out, line)

	case runner.EventStepPaused:
		if event.CompletedTaskID == "" {
			fmt.Fprintf(r.out, "%s press enter to start\n", yellow("paused:"))
		} else {
			fmt.Fprintf(r.out, "%s %s done, press enter to continue\n",
				yellow("paused:"), event.CompletedTaskID)
		}

	case runner.EventWorkflowCancelled:
		fmt.Fprintf(r.out, "%s run %s cancelled\n", yellow("⊘"), event.RunID)

	case runner.EventWorkflowCompleted:
		status := strings.ToUpper(string(event.RunStatus))
		switch event.RunStatus {
		case workflow.RunSucceeded:
			status = green(status)
		case workflow.RunFailed:
			status = red(status)
		case workflow.RunCancelled:
			status = yellow(status)
		}
		fmt.Fprintf(r.out, "Workflow %s %s (succeeded: %d, failed: %d, skipped: %d, duration: %s)\n",
			event.WorkflowID, status,
			event.Succeeded, event.Failed, event.Skipped,
			utils.FormatSeconds(event.Duration))
	}
}
