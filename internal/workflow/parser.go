package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTimeout applies when neither the workflow nor the environment set one.
const DefaultTimeout = 10 * time.Minute

// ParseError wraps a YAML decoding failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse workflow: %v", e.Err)
	}
	return fmt.Sprintf("parse workflow %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes and validates a workflow document.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, &ParseError{Err: err}
	}
	applyDefaults(&wf)
	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ParseFile reads and parses a workflow file.
func ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	wf, err := Parse(data)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = path
		}
		return nil, err
	}
	return wf, nil
}

func applyDefaults(wf *Workflow) {
	if wf.DefaultTimeout <= 0 {
		wf.DefaultTimeout = Duration(DefaultTimeout)
	}
	if wf.MaxParallelism == 0 {
		wf.MaxParallelism = -1
	}
	for _, t := range wf.Tasks {
		if t.Input != nil && t.Input.Type == "" {
			t.Input.Type = InputNone
		}
		if t.Output != nil && t.Output.Type == "" {
			t.Output.Type = OutputString
		}
	}
}
