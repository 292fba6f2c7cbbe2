package expr

import (
	"strings"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// Interpolate resolves every ${{ ... }} span in s against scope and
// concatenates the results with the surrounding literal text. Spans that
// fail to evaluate resolve to the empty string.
func Interpolate(s string, scope Scope) string {
	if !strings.Contains(s, openMarker) {
		return s
	}

	var out strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		rest = rest[start+len(openMarker):]

		end := strings.Index(rest, closeMarker)
		if end < 0 {
			// Unterminated span: keep it literal.
			out.WriteString(openMarker)
			out.WriteString(rest)
			break
		}

		inner := rest[:end]
		rest = rest[end+len(closeMarker):]

		value, err := Eval(inner, scope)
		if err != nil {
			value = ""
		}
		out.WriteString(value)
	}
	return out.String()
}

// InterpolateMatrix resolves only matrix.<key> spans from values; every
// other span is left verbatim. Used during matrix expansion, before the
// run-time scope exists.
func InterpolateMatrix(s string, values map[string]string) string {
	if !strings.Contains(s, openMarker) {
		return s
	}

	var out strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		rest = rest[start+len(openMarker):]

		end := strings.Index(rest, closeMarker)
		if end < 0 {
			out.WriteString(openMarker)
			out.WriteString(rest)
			break
		}

		inner := rest[:end]
		rest = rest[end+len(closeMarker):]

		trimmed := strings.TrimSpace(inner)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "matrix.") {
			key := trimmed[len("matrix."):]
			if value, ok := lookupFold(values, key); ok {
				out.WriteString(value)
				continue
			}
		}
		out.WriteString(openMarker)
		out.WriteString(inner)
		out.WriteString(closeMarker)
	}
	return out.String()
}

// EvalCondition evaluates a task `if` expression to a boolean. The string
// may or may not be wrapped in ${{ ... }}. Boolean coercion: empty, "0" and
// "false" (case-insensitive) are false, anything else true.
func EvalCondition(s string, scope Scope) bool {
	inner := strings.TrimSpace(s)
	if strings.HasPrefix(inner, openMarker) && strings.HasSuffix(inner, closeMarker) &&
		strings.Index(inner[len(openMarker):], openMarker) < 0 {
		inner = strings.TrimSpace(inner[len(openMarker) : len(inner)-len(closeMarker)])
	} else if strings.Contains(inner, openMarker) {
		// Mixed literal and spans: interpolate, then coerce.
		return Truthy(Interpolate(s, scope))
	}

	value, err := Eval(inner, scope)
	if err != nil {
		return false
	}
	return Truthy(value)
}

// Truthy applies the engine's string-to-boolean rules.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

// ContainsAlways reports whether the expression carries the literal
// always() token. The scheduler uses this to siphon tasks into the
// always-wave without evaluating the full condition.
func ContainsAlways(ifExpr string) bool {
	return strings.Contains(strings.ToLower(ifExpr), "always()")
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
