package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engine/internal/workflow"
)

func testScope() *StaticScope {
	return &StaticScope{
		Results: map[string]*workflow.TaskResult{
			"build": {
				TaskID:   "build",
				Status:   workflow.StatusSucceeded,
				ExitCode: 0,
				Output: workflow.CapturedOutput{
					Stdout: "artifact.tar.gz\n",
					Stderr: "warning: deprecated flag\n",
				},
				Duration: 1500 * time.Millisecond,
			},
			"lint": {
				TaskID:   "lint",
				Status:   workflow.StatusFailed,
				ExitCode: 2,
			},
		},
		EnvVars: map[string]string{"TARGET": "prod", "EMPTY": ""},
		Fields: map[string]string{
			"name":      "ci",
			"runid":     "run-abc123",
			"taskcount": "4",
		},
		MatrixValues: map[string]string{"os": "ubuntu"},
		Params:       map[string]string{"version": "1.2.3"},
	}
}

func TestInterpolateReferences(t *testing.T) {
	scope := testScope()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "no spans here", "no spans here"},
		{"task output", "got ${{ tasks.build.output }}", "got artifact.tar.gz"},
		{"task stderr", "${{ tasks.build.stderr }}", "warning: deprecated flag"},
		{"task exitcode", "${{ tasks.lint.exitcode }}", "2"},
		{"task status", "${{ tasks.lint.status }}", "failed"},
		{"task duration ms", "${{ tasks.build.duration }}", "1500"},
		{"task issuccess", "${{ tasks.build.issuccess }}", "true"},
		{"task isfailed", "${{ tasks.lint.isfailed }}", "true"},
		{"unknown task", "x${{ tasks.nope.output }}y", "xy"},
		{"unknown property", "${{ tasks.build.nope }}", ""},
		{"env", "deploy to ${{ env.TARGET }}", "deploy to prod"},
		{"env miss", "${{ env.HOST_ONLY }}", ""},
		{"workflow field", "${{ workflow.name }}-${{ workflow.runid }}", "ci-run-abc123"},
		{"matrix", "img-${{ matrix.os }}", "img-ubuntu"},
		{"params", "v${{ params.version }}", "v1.2.3"},
		{"case-insensitive prefix", "${{ Tasks.build.Output }}", "artifact.tar.gz"},
		{"two spans", "${{ env.TARGET }}/${{ params.version }}", "prod/1.2.3"},
		{"unterminated span stays literal", "a ${{ env.TARGET", "a ${{ env.TARGET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.in, scope))
		})
	}
}

func TestEvalOperators(t *testing.T) {
	scope := testScope()

	tests := []struct {
		in   string
		want string
	}{
		{"'a' == 'a'", "true"},
		{"'a' == 'A'", "true"},
		{"'a' != 'b'", "true"},
		{"tasks.lint.exitcode == 2", "true"},
		{"true && false", "false"},
		{"true || false", "true"},
		{"env.TARGET == 'prod' && params.version == '1.2.3'", "true"},
		{"env.TARGET == 'dev' || tasks.build.issuccess", "true"},
		{"42", "42"},
		{"-7", "-7"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Eval(tt.in, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalFunctions(t *testing.T) {
	scope := testScope()
	scope.DepsOK = true

	tests := []struct {
		in   string
		want string
	}{
		{"success()", "true"},
		{"failure()", "false"},
		{"always()", "true"},
		{"cancelled()", "false"},
		{"contains('Hello World', 'world')", "true"},
		{"startsWith(env.TARGET, 'PR')", "true"},
		{"endsWith('file.yaml', '.YAML')", "true"},
		{"equals(env.TARGET, 'PROD')", "true"},
		{"isEmpty(env.EMPTY)", "true"},
		{"isEmpty(env.TARGET)", "false"},
		{"isNotEmpty(tasks.build.output)", "true"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Eval(tt.in, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	scope := testScope()

	for _, in := range []string{
		"nosuchfunc()",
		"'unterminated",
		"contains('a', 'b'",
		"env.TARGET ==",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Eval(in, scope)
			assert.Error(t, err)
		})
	}
}

func TestFromJSON(t *testing.T) {
	scope := testScope()
	scope.Results["meta"] = &workflow.TaskResult{
		TaskID: "meta",
		Status: workflow.StatusSucceeded,
		Output: workflow.CapturedOutput{
			Stdout: `{"version":"2.0","targets":["linux","darwin"],"build":{"number":17,"ok":true}}`,
		},
	}

	tests := []struct {
		in   string
		want string
	}{
		{"fromJson(tasks.meta.output).version", "2.0"},
		{"fromJson(tasks.meta.output).targets[1]", "darwin"},
		{"fromJson(tasks.meta.output).build.number", "17"},
		{"fromJson(tasks.meta.output).build.ok", "true"},
		{"fromJson(tasks.meta.output).missing", ""},
		{"fromJson(tasks.meta.output).targets[9]", ""},
		// Property navigation into an array yields empty.
		{"fromJson(tasks.meta.output).targets.name", ""},
		{"fromJson('not json').x", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Eval(tt.in, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalCondition(t *testing.T) {
	scope := testScope()
	scope.DepsFailed = true

	assert.True(t, EvalCondition("${{ failure() }}", scope))
	assert.False(t, EvalCondition("${{ success() }}", scope))
	assert.True(t, EvalCondition("always()", scope))
	assert.True(t, EvalCondition("${{ env.TARGET == 'prod' }}", scope))
	assert.False(t, EvalCondition("${{ env.EMPTY }}", scope))
	assert.False(t, EvalCondition("${{ 'false' }}", scope))
	assert.False(t, EvalCondition("${{ '0' }}", scope))
	assert.True(t, EvalCondition("${{ 'anything else' }}", scope))
	// Malformed conditions are false rather than fatal.
	assert.False(t, EvalCondition("${{ broken( }}", scope))
}

func TestInterpolateMatrix(t *testing.T) {
	values := map[string]string{"os": "ubuntu", "arch": "amd64"}

	assert.Equal(t, "build-ubuntu-amd64",
		InterpolateMatrix("build-${{ matrix.os }}-${{ matrix.arch }}", values))
	// Non-matrix spans survive verbatim for run-time interpolation.
	assert.Equal(t, "ubuntu ${{ env.HOME }}",
		InterpolateMatrix("${{ matrix.os }} ${{ env.HOME }}", values))
	assert.Equal(t, "${{ matrix.missing }}",
		InterpolateMatrix("${{ matrix.missing }}", values))
}

func TestContainsAlways(t *testing.T) {
	assert.True(t, ContainsAlways("${{ always() }}"))
	assert.True(t, ContainsAlways("${{ ALWAYS() }}"))
	assert.True(t, ContainsAlways("${{ always() || success() }}"))
	assert.False(t, ContainsAlways("${{ success() }}"))
	assert.False(t, ContainsAlways(""))
}
