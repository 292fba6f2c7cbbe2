package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engine/internal/config"
	"engine/internal/logging"
	"engine/internal/runner"
	"engine/internal/workflow"
)

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const chainWorkflow = `
name: demo
tasks:
  - id: a
    run: echo first
  - id: b
    run: echo second
    dependsOn: [a]
`

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(config.Load(), logging.Nop())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseKeyValues(t *testing.T) {
	pairs, err := parseKeyValues([]string{"A=1", "B=two=three", "C="}, "-e")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two=three", "C": ""}, pairs)

	_, err = parseKeyValues([]string{"novalue"}, "-e")
	assert.Error(t, err)

	pairs, err = parseKeyValues(nil, "-e")
	require.NoError(t, err)
	assert.Nil(t, pairs)
}

func TestValidateCommand(t *testing.T) {
	path := writeWorkflow(t, chainWorkflow)
	out, err := execRoot(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "demo is valid (2 tasks, 2 waves)")
}

func TestValidateCommandRejectsBadWorkflow(t *testing.T) {
	path := writeWorkflow(t, `
name: broken
tasks:
  - id: a
    run: echo hi
    dependsOn: [ghost]
`)
	_, err := execRoot(t, "validate", path)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitValidation, ee.code)
}

func TestDryRunPrintsPlan(t *testing.T) {
	path := writeWorkflow(t, chainWorkflow)
	out, err := execRoot(t, "run", path, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan for demo (2 tasks, 2 waves)")
	assert.Contains(t, out, "wave 0: a")
	assert.Contains(t, out, "wave 1: b")
}

func TestRunWorkflowSucceeds(t *testing.T) {
	path := writeWorkflow(t, chainWorkflow)
	out, err := execRoot(t, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Workflow demo SUCCEEDED (succeeded: 2, failed: 0, skipped: 0")
}

func TestRunWorkflowFailureExitCode(t *testing.T) {
	path := writeWorkflow(t, `
name: failing
tasks:
  - id: boom
    run: exit 7
`)
	out, err := execRoot(t, "run", path)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitExecution, ee.code)
	assert.Contains(t, out, "Workflow failing FAILED")
}

func TestRunWorkflowCycleIsValidationFailure(t *testing.T) {
	path := writeWorkflow(t, `
name: cyclic
tasks:
  - id: a
    run: echo hi
    dependsOn: [b]
  - id: b
    run: echo hi
    dependsOn: [a]
`)
	_, err := execRoot(t, "run", path)
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitValidation, ee.code)
}

func TestRendererJSONLines(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, rendererOptions{JSON: true})

	exitCode := 0
	r.Handle(runner.Event{
		Kind:       runner.EventTaskCompleted,
		WorkflowID: "demo",
		RunID:      "run-1",
		TaskID:     "a",
		Timestamp:  time.Now(),
		Result:     &workflow.TaskResult{TaskID: "a", Status: workflow.StatusSucceeded, ExitCode: exitCode},
	})

	assert.Contains(t, out.String(), `"event":"task.completed"`)
	assert.Contains(t, out.String(), `"taskId":"a"`)
	assert.Contains(t, out.String(), `"status":"succeeded"`)
}

func TestRendererSummaryLine(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, rendererOptions{Quiet: true})

	r.Handle(runner.Event{
		Kind:       runner.EventWorkflowCompleted,
		WorkflowID: "demo",
		RunStatus:  workflow.RunSucceeded,
		Succeeded:  3,
		Failed:     1,
		Skipped:    2,
		Duration:   1500 * time.Millisecond,
	})

	assert.Equal(t,
		"Workflow demo SUCCEEDED (succeeded: 3, failed: 1, skipped: 2, duration: 1.50s)\n",
		out.String())
}

func TestErrorsAsExitError(t *testing.T) {
	err := exitWith(exitCancelled, nil)
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitCancelled, ee.code)
}
