package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullDocument(t *testing.T) {
	wf, err := Parse([]byte(`
name: release
description: Build and publish
env:
  CHANNEL: stable
defaultTimeout: 5m
shell: bash
maxParallelism: 4
stopOnFirstFailure: true
tasks:
  - id: build
    run: make build
    timeout: 90s
    retryCount: 2
    retryDelay: 1500
  - id: publish
    run: make publish
    dependsOn: [build]
    if: ${{ tasks.build.status == 'succeeded' }}
    env:
      DEST: s3
`))
	require.NoError(t, err)

	assert.Equal(t, "release", wf.Name)
	assert.Equal(t, "stable", wf.Env["CHANNEL"])
	assert.Equal(t, 5*time.Minute, wf.DefaultTimeout.D())
	assert.Equal(t, "bash", wf.Shell)
	assert.Equal(t, 4, wf.MaxParallelism)
	assert.True(t, wf.StopOnFirstFailure)
	require.Len(t, wf.Tasks, 2)

	build := wf.Task("build")
	require.NotNil(t, build)
	assert.Equal(t, 90*time.Second, build.Timeout.D())
	assert.Equal(t, 2, build.RetryCount)
	assert.Equal(t, 1500*time.Millisecond, build.RetryDelay.D())

	publish := wf.Task("publish")
	require.NotNil(t, publish)
	assert.Equal(t, []string{"build"}, publish.DependsOn)
	assert.Equal(t, "s3", publish.Env["DEST"])
}

func TestParseAppliesDefaults(t *testing.T) {
	wf, err := Parse([]byte(`
name: minimal
tasks:
  - id: only
    run: echo hi
    input:
      type: ""
    output:
      type: ""
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeout, wf.DefaultTimeout.D())
	assert.Equal(t, -1, wf.MaxParallelism)
	assert.Equal(t, InputNone, wf.Tasks[0].Input.Type)
	assert.Equal(t, OutputString, wf.Tasks[0].Output.Type)
}

func TestParseDurationForms(t *testing.T) {
	wf, err := Parse([]byte(`
name: durations
tasks:
  - id: go-syntax
    run: "true"
    timeout: 1m30s
  - id: bare-ms
    run: "true"
    timeout: 250
  - id: clock
    run: "true"
    timeout: "01:02:03"
`))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, wf.Task("go-syntax").Timeout.D())
	assert.Equal(t, 250*time.Millisecond, wf.Task("bare-ms").Timeout.D())
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second, wf.Task("clock").Timeout.D())
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("name: [unclosed"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseFileAnnotatesPath(t *testing.T) {
	_, err := ParseFile("/nonexistent/workflow.yaml")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "/nonexistent/workflow.yaml")
}

func TestMatrixUnmarshalPreservesDimensionOrder(t *testing.T) {
	wf, err := Parse([]byte(`
name: matrix
tasks:
  - id: build
    run: make
    matrix:
      os: [ubuntu, macos]
      arch: [amd64, arm64]
      include:
        - os: windows
          arch: amd64
      exclude:
        - os: macos
          arch: arm64
`))
	require.NoError(t, err)

	m := wf.Tasks[0].Matrix
	require.NotNil(t, m)
	require.Len(t, m.Dimensions, 2)
	assert.Equal(t, "os", m.Dimensions[0].Name)
	assert.Equal(t, []string{"ubuntu", "macos"}, m.Dimensions[0].Values)
	assert.Equal(t, "arch", m.Dimensions[1].Name)

	require.Len(t, m.Include, 1)
	assert.Equal(t, "windows", m.Include[0]["os"])
	require.Len(t, m.Exclude, 1)
	assert.Equal(t, "macos", m.Exclude[0]["os"])

	values, ok := m.Dimension("arch")
	require.True(t, ok)
	assert.Equal(t, []string{"amd64", "arm64"}, values)
	_, ok = m.Dimension("missing")
	assert.False(t, ok)
}

func TestTaskCloneIsDeep(t *testing.T) {
	original := &Task{
		ID:        "a",
		Run:       "echo hi",
		Env:       map[string]string{"K": "v"},
		DependsOn: []string{"b"},
		Input:     &InputSpec{Type: InputText, Value: "hello"},
	}
	clone := original.Clone()
	clone.Env["K"] = "changed"
	clone.DependsOn[0] = "c"
	clone.Input.Value = "bye"

	assert.Equal(t, "v", original.Env["K"])
	assert.Equal(t, "b", original.DependsOn[0])
	assert.Equal(t, "hello", original.Input.Value)
}
