package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engine/internal/workflow"
)

func task(id string, deps ...string) *workflow.Task {
	return &workflow.Task{ID: id, Run: "echo " + id, DependsOn: deps}
}

func buildPlan(t *testing.T, tasks ...*workflow.Task) *Plan {
	t.Helper()
	wf := &workflow.Workflow{Name: "test", Tasks: tasks}
	p, err := Build(wf, nil)
	require.NoError(t, err)
	return p
}

func waveIDs(w Wave) []string {
	ids := make([]string, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestBuildSequentialChain(t *testing.T) {
	p := buildPlan(t, task("a"), task("b", "a"), task("c", "b"))

	require.Len(t, p.Waves, 3)
	assert.Equal(t, []string{"a"}, waveIDs(p.Waves[0]))
	assert.Equal(t, []string{"b"}, waveIDs(p.Waves[1]))
	assert.Equal(t, []string{"c"}, waveIDs(p.Waves[2]))
	assert.Empty(t, p.AlwaysTasks)
	assert.Equal(t, 3, p.TotalTasks())
}

func TestBuildDiamond(t *testing.T) {
	p := buildPlan(t,
		task("root"),
		task("l", "root"),
		task("r", "root"),
		task("join", "l", "r"))

	require.Len(t, p.Waves, 3)
	assert.Equal(t, []string{"root"}, waveIDs(p.Waves[0]))
	assert.Equal(t, []string{"l", "r"}, waveIDs(p.Waves[1]))
	assert.Equal(t, []string{"join"}, waveIDs(p.Waves[2]))
}

func TestWaveInvariant(t *testing.T) {
	// Every task's dependencies must land in strictly lower waves.
	p := buildPlan(t,
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
		task("e"),
		task("f", "e", "d"))

	waveOf := map[string]int{}
	for _, w := range p.Waves {
		for _, tk := range w.Tasks {
			waveOf[tk.ID] = w.Index
		}
	}
	for _, w := range p.Waves {
		for _, tk := range w.Tasks {
			for _, dep := range tk.DependsOn {
				assert.Less(t, waveOf[dep], waveOf[tk.ID], "dep %s of %s", dep, tk.ID)
			}
		}
	}
}

func TestDetectCycle(t *testing.T) {
	err := DetectCycle([]*workflow.Task{
		task("a", "c"),
		task("b", "a"),
		task("c", "b"),
	})
	require.Error(t, err)

	var cycleErr *CircularDependencyError
	require.ErrorAs(t, err, &cycleErr)
	// The path names every node in the cycle and closes on the first.
	assert.GreaterOrEqual(t, len(cycleErr.Path), 4)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Path[:len(cycleErr.Path)-1])
}

func TestDetectCycleSelfLoop(t *testing.T) {
	err := DetectCycle([]*workflow.Task{task("a", "a")})
	require.Error(t, err)
}

func TestDetectCycleIgnoresMissingDeps(t *testing.T) {
	assert.NoError(t, DetectCycle([]*workflow.Task{task("a", "ghost")}))
}

func TestBuildCycleFailsBeforeExpansion(t *testing.T) {
	wf := &workflow.Workflow{Name: "test", Tasks: []*workflow.Task{
		task("a", "b"),
		task("b", "a"),
	}}
	_, err := Build(wf, nil)
	var cycleErr *CircularDependencyError
	require.ErrorAs(t, err, &cycleErr)
}

func TestAlwaysTasksSiphonedOut(t *testing.T) {
	cleanup := task("cleanup", "main")
	cleanup.If = "${{ always() }}"
	p := buildPlan(t, task("main"), cleanup)

	require.Len(t, p.Waves, 1)
	assert.Equal(t, []string{"main"}, waveIDs(p.Waves[0]))
	require.Len(t, p.AlwaysTasks, 1)
	assert.Equal(t, "cleanup", p.AlwaysTasks[0].ID)
	assert.Equal(t, 2, p.TotalTasks())
}

func matrixTask(id string, dims ...workflow.MatrixDimension) *workflow.Task {
	return &workflow.Task{
		ID:     id,
		Run:    "echo ${{ matrix.os }}",
		Matrix: &workflow.MatrixSpec{Dimensions: dims},
	}
}

func dim(name string, values ...string) workflow.MatrixDimension {
	return workflow.MatrixDimension{Name: name, Values: values}
}

func expandedIDs(tasks []*workflow.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestExpandCartesianProduct(t *testing.T) {
	build := matrixTask("build", dim("os", "ubuntu", "macos"), dim("arch", "amd64", "arm64"))

	out := ExpandMatrices([]*workflow.Task{build}, nil)

	assert.Equal(t, []string{
		"build-ubuntu-amd64",
		"build-ubuntu-arm64",
		"build-macos-amd64",
		"build-macos-arm64",
	}, expandedIDs(out))

	for _, tk := range out {
		assert.Nil(t, tk.Matrix)
		assert.NotNil(t, tk.MatrixValues)
	}
}

func TestExpandInterpolatesFields(t *testing.T) {
	build := matrixTask("build-${{ matrix.os }}", dim("os", "ubuntu"))
	build.Name = "Build on ${{ matrix.os }}"
	build.Env = map[string]string{"GOOS": "${{ matrix.os }}"}
	build.Input = &workflow.InputSpec{Type: workflow.InputText, Value: "target=${{ matrix.os }}"}

	out := ExpandMatrices([]*workflow.Task{build}, nil)
	require.Len(t, out, 1)

	assert.Equal(t, "build-ubuntu", out[0].ID)
	assert.Equal(t, "Build on ubuntu", out[0].Name)
	assert.Equal(t, "echo ubuntu", out[0].Run)
	assert.Equal(t, "ubuntu", out[0].Env["GOOS"])
	assert.Equal(t, "target=ubuntu", out[0].Input.Value)
	assert.Equal(t, map[string]string{"os": "ubuntu"}, out[0].MatrixValues)
}

func TestExpandExclude(t *testing.T) {
	build := matrixTask("build", dim("os", "ubuntu", "macos"), dim("arch", "amd64", "arm64"))
	build.Matrix.Exclude = []map[string]string{{"os": "macos", "arch": "arm64"}}

	out := ExpandMatrices([]*workflow.Task{build}, nil)

	assert.Equal(t, []string{
		"build-ubuntu-amd64",
		"build-ubuntu-arm64",
		"build-macos-amd64",
	}, expandedIDs(out))
}

func TestExpandIncludeMergesAndAppends(t *testing.T) {
	build := matrixTask("build", dim("os", "ubuntu", "macos"))
	build.Matrix.Include = []map[string]string{
		{"os": "ubuntu", "cache": "on"},    // merges into the ubuntu lane
		{"os": "windows", "cache": "off"},  // no match: standalone combination
	}

	out := ExpandMatrices([]*workflow.Task{build}, nil)

	require.Len(t, out, 3)
	assert.Equal(t, "on", out[0].MatrixValues["cache"])
	assert.Equal(t, "build-windows-off", out[2].ID)
}

func TestExpandIncludeWithForeignKeysAppendsStandalone(t *testing.T) {
	// An include sharing no keys with any dimension becomes one extra lane;
	// it never merges into the existing combinations.
	build := matrixTask("build", dim("os", "ubuntu", "macos"))
	build.Matrix.Include = []map[string]string{{"cache": "on"}}

	out := ExpandMatrices([]*workflow.Task{build}, nil)

	require.Len(t, out, 3)
	for _, expanded := range out[:2] {
		_, merged := expanded.MatrixValues["cache"]
		assert.False(t, merged, "include leaked into lane %s", expanded.ID)
	}
	assert.Equal(t, map[string]string{"cache": "on"}, out[2].MatrixValues)
}

func TestExpandPreservesTotalWork(t *testing.T) {
	// |product| - |excluded| + |unmerged includes|
	build := matrixTask("build", dim("os", "a", "b", "c"), dim("ver", "1", "2"))
	build.Matrix.Exclude = []map[string]string{{"os": "c", "ver": "2"}}
	build.Matrix.Include = []map[string]string{{"os": "z", "ver": "9"}}

	out := ExpandMatrices([]*workflow.Task{build}, nil)
	assert.Len(t, out, 3*2-1+1)
}

func TestDependencyRewritePerAxisLanes(t *testing.T) {
	build := matrixTask("build", dim("os", "ubuntu", "macos"))
	test := matrixTask("test", dim("os", "ubuntu", "macos"))
	test.DependsOn = []string{"build"}

	out := ExpandMatrices([]*workflow.Task{build, test}, nil)
	require.Len(t, out, 4)

	byID := map[string]*workflow.Task{}
	for _, tk := range out {
		byID[tk.ID] = tk
	}

	assert.Equal(t, []string{"build-ubuntu"}, byID["test-ubuntu"].DependsOn)
	assert.Equal(t, []string{"build-macos"}, byID["test-macos"].DependsOn)
}

func TestDependencyRewriteFanIn(t *testing.T) {
	build := matrixTask("build", dim("os", "ubuntu", "macos"))
	report := task("report", "build")

	out := ExpandMatrices([]*workflow.Task{build, report}, nil)

	byID := map[string]*workflow.Task{}
	for _, tk := range out {
		byID[tk.ID] = tk
	}
	assert.Equal(t, []string{"build-ubuntu", "build-macos"}, byID["report"].DependsOn)
}

func TestDependencyRewriteKeepsUnexpandedDeps(t *testing.T) {
	out := ExpandMatrices([]*workflow.Task{task("a"), task("b", "a")}, nil)
	require.Len(t, out, 2)
	assert.Equal(t, []string{"a"}, out[1].DependsOn)
}

func TestExpandSanitizesSuffixValues(t *testing.T) {
	build := matrixTask("build", dim("ver", "1.21.x"))
	out := ExpandMatrices([]*workflow.Task{build}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "build-1_21_x", out[0].ID)
}

func TestMatrixFanOutPlan(t *testing.T) {
	build := matrixTask("build", dim("os", "ubuntu", "macos"))
	test := matrixTask("test", dim("os", "ubuntu", "macos"))
	test.DependsOn = []string{"build"}

	p := buildPlan(t, build, test)

	require.Len(t, p.Waves, 2)
	assert.ElementsMatch(t, []string{"build-ubuntu", "build-macos"}, waveIDs(p.Waves[0]))
	assert.ElementsMatch(t, []string{"test-ubuntu", "test-macos"}, waveIDs(p.Waves[1]))
}
