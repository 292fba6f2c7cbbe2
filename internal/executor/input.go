package executor

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"engine/internal/expr"
	"engine/internal/workflow"
)

// resolveStdin builds the child's stdin reader for one attempt. A nil
// reader with nil error means stdin stays closed. File and pipe inputs are
// resolved fresh per attempt so retries see current content.
func resolveStdin(spec *workflow.InputSpec, workingDir string, scope expr.Scope) (io.ReadCloser, error) {
	if spec == nil || spec.Type == "" || spec.Type == workflow.InputNone {
		return nil, nil
	}
	switch spec.Type {
	case workflow.InputText:
		text := expr.Interpolate(spec.Value, scope)
		return io.NopCloser(strings.NewReader(text)), nil
	case workflow.InputBytes:
		raw, err := base64.StdEncoding.DecodeString(spec.Value)
		if err != nil {
			return nil, fmt.Errorf("decode input bytes: %w", err)
		}
		return io.NopCloser(strings.NewReader(string(raw))), nil
	case workflow.InputFile:
		path := expr.Interpolate(spec.FilePath, scope)
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input file: %w", err)
		}
		return f, nil
	case workflow.InputPipe:
		piped := expr.Interpolate(spec.Value, scope)
		return io.NopCloser(strings.NewReader(piped)), nil
	default:
		return nil, fmt.Errorf("unknown input type %q", spec.Type)
	}
}
