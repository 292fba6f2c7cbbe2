package expr

import (
	"strconv"
	"strings"

	"engine/internal/workflow"
)

// taskProperty resolves tasks.<id>.<property> references. Property names
// are case-insensitive; unknown properties resolve to the empty string.
func taskProperty(result *workflow.TaskResult, prop string) string {
	switch strings.ToLower(prop) {
	case "output":
		return strings.TrimRight(result.Output.Stdout, "\n")
	case "stderr":
		return strings.TrimRight(result.Output.Stderr, "\n")
	case "exitcode":
		return strconv.Itoa(result.ExitCode)
	case "status":
		return string(result.Status)
	case "duration":
		return strconv.FormatInt(result.Duration.Milliseconds(), 10)
	case "issuccess":
		return boolString(result.IsSuccess())
	case "isfailed":
		return boolString(result.IsFailed())
	case "wasskipped":
		return boolString(result.WasSkipped())
	default:
		return ""
	}
}
