// Package plan turns a parsed workflow into an execution plan: matrix
// templates are expanded into concrete tasks, the dependency graph is
// checked for cycles, and tasks are leveled into parallel waves.
package plan

import (
	"engine/internal/logging"
	"engine/internal/workflow"
)

// Build produces the execution plan for a workflow. Cycle detection runs on
// the original task list before expansion so a cyclic matrix template fails
// fast without paying for the product.
func Build(wf *workflow.Workflow, logger logging.Logger) (*Plan, error) {
	if err := DetectCycle(wf.Tasks); err != nil {
		return nil, err
	}

	expanded := ExpandMatrices(wf.Tasks, logger)
	waves, always := buildWaves(expanded)

	return &Plan{Waves: waves, AlwaysTasks: always}, nil
}
