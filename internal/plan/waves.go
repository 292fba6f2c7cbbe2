package plan

import (
	"strings"

	"engine/internal/expr"
	"engine/internal/workflow"
)

// Wave is a set of tasks whose dependencies were all scheduled in earlier
// waves; its tasks may run concurrently.
type Wave struct {
	Index int
	Tasks []*workflow.Task
}

// Plan is the executable form of a workflow: dependency-ordered waves plus
// the always-tasks that run as a synthetic final wave regardless of
// upstream outcome.
type Plan struct {
	Waves       []Wave
	AlwaysTasks []*workflow.Task
}

// TotalTasks counts every task in the plan, always-tasks included.
func (p *Plan) TotalTasks() int {
	n := len(p.AlwaysTasks)
	for _, w := range p.Waves {
		n += len(w.Tasks)
	}
	return n
}

// buildWaves levels the expanded task list by longest dependency path and
// groups tasks by level. Ties within a wave keep declaration order.
func buildWaves(tasks []*workflow.Task) ([]Wave, []*workflow.Task) {
	var regular, always []*workflow.Task
	for _, t := range tasks {
		if expr.ContainsAlways(t.If) {
			always = append(always, t)
		} else {
			regular = append(regular, t)
		}
	}

	byID := make(map[string]*workflow.Task, len(regular))
	for _, t := range regular {
		byID[strings.ToLower(t.ID)] = t
	}

	levels := make(map[string]int, len(regular))
	var levelOf func(t *workflow.Task) int
	levelOf = func(t *workflow.Task) int {
		key := strings.ToLower(t.ID)
		if lvl, ok := levels[key]; ok {
			return lvl
		}
		max := -1
		for _, dep := range t.DependsOn {
			depTask, ok := byID[strings.ToLower(dep)]
			if !ok {
				// Unknown deps were rejected at parse time; inside expanded
				// tasks they default to level 0's predecessor.
				continue
			}
			if lvl := levelOf(depTask); lvl > max {
				max = lvl
			}
		}
		lvl := max + 1
		levels[key] = lvl
		return lvl
	}

	maxLevel := -1
	for _, t := range regular {
		if lvl := levelOf(t); lvl > maxLevel {
			maxLevel = lvl
		}
	}

	waves := make([]Wave, 0, maxLevel+1)
	for lvl := 0; lvl <= maxLevel; lvl++ {
		wave := Wave{Index: lvl}
		for _, t := range regular {
			if levels[strings.ToLower(t.ID)] == lvl {
				wave.Tasks = append(wave.Tasks, t)
			}
		}
		if len(wave.Tasks) > 0 {
			waves = append(waves, wave)
		}
	}

	// Reindex in case empty levels were dropped.
	for i := range waves {
		waves[i].Index = i
	}
	return waves, always
}
