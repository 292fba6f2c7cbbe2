package plan

import (
	"fmt"
	"strings"

	"engine/internal/workflow"
)

// CircularDependencyError reports a dependency cycle, carrying the cycle
// path in declaration order.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

type dfsColor int

const (
	colorUnvisited dfsColor = iota
	colorInStack
	colorFinished
)

// DetectCycle runs a three-color DFS over the original, pre-expansion task
// list and returns a CircularDependencyError on the first back-edge found.
// Dependencies on undeclared tasks are ignored here; the validator rejects
// them separately.
func DetectCycle(tasks []*workflow.Task) error {
	byID := make(map[string]*workflow.Task, len(tasks))
	for _, t := range tasks {
		byID[strings.ToLower(t.ID)] = t
	}

	colors := make(map[string]dfsColor, len(tasks))
	var stack []string

	var visit func(t *workflow.Task) *CircularDependencyError
	visit = func(t *workflow.Task) *CircularDependencyError {
		key := strings.ToLower(t.ID)
		colors[key] = colorInStack
		stack = append(stack, t.ID)

		for _, dep := range t.DependsOn {
			depKey := strings.ToLower(dep)
			next, ok := byID[depKey]
			if !ok {
				continue
			}
			switch colors[depKey] {
			case colorInStack:
				return &CircularDependencyError{Path: cyclePath(stack, next.ID)}
			case colorUnvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[key] = colorFinished
		return nil
	}

	for _, t := range tasks {
		if colors[strings.ToLower(t.ID)] == colorUnvisited {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// cyclePath trims the DFS stack to the cycle and closes it back on the
// repeated node, e.g. a -> c -> b -> a.
func cyclePath(stack []string, repeated string) []string {
	start := 0
	for i, id := range stack {
		if strings.EqualFold(id, repeated) {
			start = i
			break
		}
	}
	path := append([]string(nil), stack[start:]...)
	return append(path, repeated)
}
