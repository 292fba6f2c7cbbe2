package workflow

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// ValidationError reports a workflow definition problem.
type ValidationError struct {
	TaskID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid workflow: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid task %q: %s: %s", e.TaskID, e.Field, e.Reason)
}

var knownShells = map[string]bool{
	"":           true,
	"sh":         true,
	"bash":       true,
	"zsh":        true,
	"fish":       true,
	"pwsh":       true,
	"powershell": true,
	"cmd":        true,
}

// taskIDPattern constrains task ids. Matrix templates may additionally carry
// ${{ matrix.* }} spans, which are checked separately.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks the structural invariants of a parsed workflow: unique
// case-insensitive task ids, declared dependencies, known shells, positive
// timeouts, well-formed matrix and input/output specs. Cycle detection is a
// scheduling concern and lives in the plan package.
func Validate(wf *Workflow) error {
	if strings.TrimSpace(wf.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if wf.DefaultTimeout <= 0 {
		return &ValidationError{Field: "defaultTimeout", Reason: "must be positive"}
	}
	if !knownShells[wf.Shell] {
		return &ValidationError{Field: "shell", Reason: fmt.Sprintf("unknown shell %q", wf.Shell)}
	}
	if len(wf.Tasks) == 0 {
		return &ValidationError{Field: "tasks", Reason: "workflow declares no tasks"}
	}

	seen := make(map[string]string, len(wf.Tasks))
	for _, t := range wf.Tasks {
		if err := validateTask(t); err != nil {
			return err
		}
		lower := strings.ToLower(t.ID)
		if prev, dup := seen[lower]; dup {
			return &ValidationError{TaskID: t.ID, Field: "id", Reason: fmt.Sprintf("collides with task %q (ids are case-insensitive)", prev)}
		}
		seen[lower] = t.ID
	}

	for _, t := range wf.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := seen[strings.ToLower(dep)]; !ok {
				return &ValidationError{TaskID: t.ID, Field: "dependsOn", Reason: fmt.Sprintf("unknown task %q", dep)}
			}
		}
	}

	return nil
}

func validateTask(t *Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return &ValidationError{Field: "tasks", Reason: "task id must not be empty"}
	}
	if !taskIDPattern.MatchString(t.ID) && !strings.Contains(t.ID, "${{") {
		return &ValidationError{TaskID: t.ID, Field: "id", Reason: "contains characters outside [A-Za-z0-9_-]"}
	}
	if strings.TrimSpace(t.Run) == "" {
		return &ValidationError{TaskID: t.ID, Field: "run", Reason: "must not be empty"}
	}
	if !knownShells[t.Shell] {
		return &ValidationError{TaskID: t.ID, Field: "shell", Reason: fmt.Sprintf("unknown shell %q", t.Shell)}
	}
	if t.Timeout < 0 {
		return &ValidationError{TaskID: t.ID, Field: "timeout", Reason: "must be positive"}
	}
	if t.RetryCount < 0 {
		return &ValidationError{TaskID: t.ID, Field: "retryCount", Reason: "must not be negative"}
	}
	if t.RetryDelay < 0 {
		return &ValidationError{TaskID: t.ID, Field: "retryDelay", Reason: "must not be negative"}
	}
	if t.Matrix != nil {
		if err := validateMatrix(t); err != nil {
			return err
		}
	}
	if t.Input != nil {
		if err := validateInput(t); err != nil {
			return err
		}
	}
	if t.Output != nil {
		switch t.Output.Type {
		case OutputString, OutputBytes, OutputFile, OutputStream:
		default:
			return &ValidationError{TaskID: t.ID, Field: "output.type", Reason: fmt.Sprintf("unknown type %q", t.Output.Type)}
		}
		if t.Output.Type == OutputFile && t.Output.FilePath == "" {
			return &ValidationError{TaskID: t.ID, Field: "output.filePath", Reason: "required for file output"}
		}
	}
	return nil
}

func validateMatrix(t *Task) error {
	if len(t.Matrix.Dimensions) == 0 && len(t.Matrix.Include) == 0 {
		return &ValidationError{TaskID: t.ID, Field: "matrix", Reason: "declares no dimensions"}
	}
	for _, dim := range t.Matrix.Dimensions {
		if strings.TrimSpace(dim.Name) == "" {
			return &ValidationError{TaskID: t.ID, Field: "matrix", Reason: "dimension name must not be empty"}
		}
		if len(dim.Values) == 0 {
			return &ValidationError{TaskID: t.ID, Field: "matrix." + dim.Name, Reason: "dimension has no values"}
		}
	}
	return nil
}

func validateInput(t *Task) error {
	switch t.Input.Type {
	case InputNone:
	case InputText:
	case InputPipe:
		if strings.TrimSpace(t.Input.Value) == "" {
			return &ValidationError{TaskID: t.ID, Field: "input.value", Reason: "pipe input requires an expression"}
		}
	case InputBytes:
		if _, err := base64.StdEncoding.DecodeString(t.Input.Value); err != nil {
			return &ValidationError{TaskID: t.ID, Field: "input.value", Reason: "not valid base64"}
		}
	case InputFile:
		if t.Input.FilePath == "" {
			return &ValidationError{TaskID: t.ID, Field: "input.filePath", Reason: "required for file input"}
		}
	default:
		return &ValidationError{TaskID: t.ID, Field: "input.type", Reason: fmt.Sprintf("unknown type %q", t.Input.Type)}
	}
	return nil
}
