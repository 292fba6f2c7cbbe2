package plan

import (
	"regexp"
	"sort"
	"strings"

	"engine/internal/expr"
	"engine/internal/logging"
	"engine/internal/workflow"
)

// combination is one resolved point in a task's matrix space.
type combination map[string]string

// expansionSet records what one matrix template expanded into.
type expansionSet struct {
	tasks    []*workflow.Task
	suffixes []string // parallel to tasks; generated id suffix per combination
}

// ExpandMatrices replaces every matrix template in tasks with its concrete
// expansions and rewrites dependencies in a second pass. Tasks without a
// matrix pass through unchanged (as clones, so callers may mutate freely).
func ExpandMatrices(tasks []*workflow.Task, logger logging.Logger) []*workflow.Task {
	logger = logging.OrNop(logger)

	sets := make(map[string]*expansionSet, len(tasks))
	var out []*workflow.Task

	for _, t := range tasks {
		if t.Matrix == nil {
			clone := t.Clone()
			sets[strings.ToLower(t.ID)] = &expansionSet{tasks: []*workflow.Task{clone}}
			out = append(out, clone)
			continue
		}

		set := expandTask(t, logger)
		sets[strings.ToLower(t.ID)] = set
		out = append(out, set.tasks...)
	}

	rewriteDependencies(out, sets)
	return out
}

func expandTask(t *workflow.Task, logger logging.Logger) *expansionSet {
	combos := cartesian(t.Matrix.Dimensions)
	combos = applyExcludes(t, combos, logger)
	combos = applyIncludes(t.Matrix, combos)

	set := &expansionSet{}
	for _, combo := range combos {
		expanded := materialize(t, combo)
		set.tasks = append(set.tasks, expanded)
		set.suffixes = append(set.suffixes, comboSuffix(t.Matrix, combo))
	}
	return set
}

// cartesian computes the product of the declared dimensions in declared
// order. No dimensions yields no combinations.
func cartesian(dims []workflow.MatrixDimension) []combination {
	if len(dims) == 0 {
		return nil
	}
	combos := []combination{{}}
	for _, dim := range dims {
		next := make([]combination, 0, len(combos)*len(dim.Values))
		for _, combo := range combos {
			for _, value := range dim.Values {
				grown := make(combination, len(combo)+1)
				for k, v := range combo {
					grown[k] = v
				}
				grown[dim.Name] = value
				next = append(next, grown)
			}
		}
		combos = next
	}
	return combos
}

func applyExcludes(t *workflow.Task, combos []combination, logger logging.Logger) []combination {
	if len(t.Matrix.Exclude) == 0 {
		return combos
	}

	for _, exclude := range t.Matrix.Exclude {
		for key := range exclude {
			if _, ok := t.Matrix.Dimension(key); !ok {
				logger.Warn("task %s: matrix exclude references unknown dimension %q", t.ID, key)
			}
		}
	}

	kept := combos[:0]
	for _, combo := range combos {
		excluded := false
		for _, exclude := range t.Matrix.Exclude {
			if comboMatches(combo, exclude) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, combo)
		}
	}
	return kept
}

func applyIncludes(spec *workflow.MatrixSpec, combos []combination) []combination {
	for _, include := range spec.Include {
		matched := false
		for _, combo := range combos {
			if sharedKeysMatch(combo, include) {
				matched = true
				for k, v := range include {
					if _, ok := lookupFold(combo, k); !ok {
						combo[k] = v
					}
				}
			}
		}
		if !matched {
			standalone := make(combination, len(include))
			for k, v := range include {
				standalone[k] = v
			}
			combos = append(combos, standalone)
		}
	}
	return combos
}

// comboMatches reports whether every key of the filter equals the combo's
// value, case-insensitively. Filter keys absent from the combo never match.
func comboMatches(combo combination, filter map[string]string) bool {
	for key, want := range filter {
		got, ok := lookupFold(combo, key)
		if !ok || !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

// sharedKeysMatch reports whether the combo and include agree on every key
// they share. An include with no shared keys matches nothing.
func sharedKeysMatch(combo combination, include map[string]string) bool {
	shared := false
	for key, want := range include {
		got, ok := lookupFold(combo, key)
		if !ok {
			continue
		}
		shared = true
		if !strings.EqualFold(got, want) {
			return false
		}
	}
	return shared
}

// materialize builds one concrete task for a combination.
func materialize(t *workflow.Task, combo combination) *workflow.Task {
	expanded := t.Clone()
	expanded.Matrix = nil
	expanded.MatrixValues = map[string]string(combo)

	interpolated := expr.InterpolateMatrix(t.ID, combo)
	if interpolated == t.ID {
		expanded.ID = t.ID + comboSuffix(t.Matrix, combo)
	} else {
		expanded.ID = interpolated
	}

	expanded.Name = expr.InterpolateMatrix(t.Name, combo)
	expanded.Run = expr.InterpolateMatrix(t.Run, combo)
	expanded.WorkingDirectory = expr.InterpolateMatrix(t.WorkingDirectory, combo)
	expanded.If = expr.InterpolateMatrix(t.If, combo)
	for k, v := range expanded.Env {
		expanded.Env[k] = expr.InterpolateMatrix(v, combo)
	}
	if expanded.Input != nil {
		expanded.Input.Value = expr.InterpolateMatrix(expanded.Input.Value, combo)
		expanded.Input.FilePath = expr.InterpolateMatrix(expanded.Input.FilePath, combo)
	}
	return expanded
}

// comboSuffix derives the generated id suffix for a combination: sanitized
// values joined by dashes, declared dimensions first, extra include keys in
// sorted order for determinism.
func comboSuffix(spec *workflow.MatrixSpec, combo combination) string {
	var parts []string
	taken := make(map[string]bool, len(combo))

	for _, dim := range spec.Dimensions {
		if value, ok := lookupFold(combo, dim.Name); ok {
			parts = append(parts, sanitizeValue(value))
			taken[strings.ToLower(dim.Name)] = true
		}
	}

	var extras []string
	for key := range combo {
		if !taken[strings.ToLower(key)] {
			extras = append(extras, key)
		}
	}
	sort.Strings(extras)
	for _, key := range extras {
		parts = append(parts, sanitizeValue(combo[key]))
	}

	if len(parts) == 0 {
		return ""
	}
	return "-" + strings.Join(parts, "-")
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]+`)

func sanitizeValue(v string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(v, "_"), "_")
}

// rewriteDependencies resolves every dependency against the expansion sets:
// unexpanded deps stay as-is, matrix lanes line up on matching suffixes, and
// everything else fans in on all of the dependency's expansions.
func rewriteDependencies(tasks []*workflow.Task, sets map[string]*expansionSet) {
	suffixOf := make(map[string]string)
	for _, set := range sets {
		for i, t := range set.tasks {
			if t.MatrixValues != nil && i < len(set.suffixes) {
				suffixOf[t.ID] = set.suffixes[i]
			}
		}
	}

	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			continue
		}
		var deps []string
		for _, dep := range t.DependsOn {
			set, ok := sets[strings.ToLower(dep)]
			if !ok || len(set.tasks) == 1 && set.tasks[0].MatrixValues == nil {
				deps = append(deps, dep)
				continue
			}

			if t.MatrixValues != nil {
				if lane := matchLane(set, suffixOf[t.ID]); lane != "" {
					deps = append(deps, lane)
					continue
				}
			}

			for _, expanded := range set.tasks {
				deps = append(deps, expanded.ID)
			}
		}
		t.DependsOn = deps
	}
}

// matchLane returns the id of the dependency expansion whose generated
// suffix equals the depending task's suffix, or "".
func matchLane(set *expansionSet, suffix string) string {
	if suffix == "" {
		return ""
	}
	for i, t := range set.tasks {
		if i < len(set.suffixes) && set.suffixes[i] == suffix {
			return t.ID
		}
	}
	return ""
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
