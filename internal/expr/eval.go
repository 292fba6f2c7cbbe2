package expr

import (
	"fmt"
	"strings"
)

// Eval evaluates the inside of a ${{ ... }} span and returns its string
// value. Booleans render as "true"/"false". Unknown references resolve to
// the empty string; only malformed syntax returns an error.
func Eval(s string, scope Scope) (string, error) {
	p := &parser{input: s, scope: scope}
	value, err := p.parseOr()
	if err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return "", fmt.Errorf("unexpected %q at offset %d", p.input[p.pos:], p.pos)
	}
	return value, nil
}

type parser struct {
	input string
	pos   int
	scope Scope
}

func (p *parser) parseOr() (string, error) {
	left, err := p.parseAnd()
	if err != nil {
		return "", err
	}
	for p.consumeOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return "", err
		}
		left = boolString(Truthy(left) || Truthy(right))
	}
	return left, nil
}

func (p *parser) parseAnd() (string, error) {
	left, err := p.parseComparison()
	if err != nil {
		return "", err
	}
	for p.consumeOp("&&") {
		right, err := p.parseComparison()
		if err != nil {
			return "", err
		}
		left = boolString(Truthy(left) && Truthy(right))
	}
	return left, nil
}

func (p *parser) parseComparison() (string, error) {
	left, err := p.parseValue()
	if err != nil {
		return "", err
	}
	if p.consumeOp("==") {
		right, err := p.parseValue()
		if err != nil {
			return "", err
		}
		return boolString(strings.EqualFold(left, right)), nil
	}
	if p.consumeOp("!=") {
		right, err := p.parseValue()
		if err != nil {
			return "", err
		}
		return boolString(!strings.EqualFold(left, right)), nil
	}
	return left, nil
}

func (p *parser) parseValue() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return "", fmt.Errorf("unexpected end of expression")
	}

	switch c := p.input[p.pos]; {
	case c == '\'' || c == '"':
		return p.parseQuoted(c)
	case c >= '0' && c <= '9', c == '-' && p.pos+1 < len(p.input) && isDigit(p.input[p.pos+1]):
		return p.parseNumber(), nil
	case isIdentStart(c):
		return p.parseIdentifier()
	default:
		return "", fmt.Errorf("unexpected character %q at offset %d", c, p.pos)
	}
}

func (p *parser) parseQuoted(quote byte) (string, error) {
	p.pos++ // opening quote
	start := p.pos
	for p.pos < len(p.input) {
		if p.input[p.pos] == quote {
			value := p.input[start:p.pos]
			p.pos++
			return value, nil
		}
		p.pos++
	}
	return "", fmt.Errorf("unterminated string literal")
}

func (p *parser) parseNumber() string {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && isDigit(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *parser) parseIdentifier() (string, error) {
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	ident := p.input[start:p.pos]

	if p.pos < len(p.input) && p.input[p.pos] == '(' {
		return p.parseFunction(ident)
	}

	switch strings.ToLower(ident) {
	case "true", "false":
		if p.pos >= len(p.input) || p.input[p.pos] != '.' {
			return strings.ToLower(ident), nil
		}
	}

	// Reference: continue reading the dotted path.
	for p.pos < len(p.input) && (isIdentChar(p.input[p.pos]) || p.input[p.pos] == '.' || p.input[p.pos] == '[' || p.input[p.pos] == ']') {
		p.pos++
	}
	return p.resolveReference(p.input[start:p.pos]), nil
}

func (p *parser) parseFunction(name string) (string, error) {
	p.pos++ // opening paren
	var args []string
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == ')' {
		p.pos++
	} else {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return "", err
			}
			args = append(args, arg)
			p.skipSpace()
			if p.pos >= len(p.input) {
				return "", fmt.Errorf("unterminated call to %s()", name)
			}
			if p.input[p.pos] == ',' {
				p.pos++
				continue
			}
			if p.input[p.pos] == ')' {
				p.pos++
				break
			}
			return "", fmt.Errorf("unexpected character %q in %s() arguments", p.input[p.pos], name)
		}
	}

	value, err := p.callFunction(name, args)
	if err != nil {
		return "", err
	}

	// fromJson results support trailing dotted/indexed navigation.
	if strings.EqualFold(name, "fromJson") && p.pos < len(p.input) && (p.input[p.pos] == '.' || p.input[p.pos] == '[') {
		start := p.pos
		for p.pos < len(p.input) && (isIdentChar(p.input[p.pos]) || p.input[p.pos] == '.' || p.input[p.pos] == '[' || p.input[p.pos] == ']') {
			p.pos++
		}
		value = navigateJSON(value, p.input[start:p.pos])
	}
	return value, nil
}

func (p *parser) callFunction(name string, args []string) (string, error) {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch strings.ToLower(name) {
	case "success":
		return boolString(p.scope.DependenciesSucceeded()), nil
	case "failure":
		return boolString(p.scope.DependenciesFailed()), nil
	case "always":
		return boolString(true), nil
	case "cancelled":
		return boolString(p.scope.Cancelled()), nil
	case "contains":
		return boolString(strings.Contains(strings.ToLower(arg(0)), strings.ToLower(arg(1)))), nil
	case "startswith":
		return boolString(strings.HasPrefix(strings.ToLower(arg(0)), strings.ToLower(arg(1)))), nil
	case "endswith":
		return boolString(strings.HasSuffix(strings.ToLower(arg(0)), strings.ToLower(arg(1)))), nil
	case "equals":
		return boolString(strings.EqualFold(arg(0), arg(1))), nil
	case "isempty":
		return boolString(strings.TrimSpace(arg(0)) == ""), nil
	case "isnotempty":
		return boolString(strings.TrimSpace(arg(0)) != ""), nil
	case "fromjson":
		return arg(0), nil
	default:
		return "", fmt.Errorf("unknown function %q", name)
	}
}

// resolveReference maps a dotted path to its value. Unknown prefixes, ids
// and properties all resolve to the empty string.
func (p *parser) resolveReference(ref string) string {
	head, rest := splitHead(ref)
	switch strings.ToLower(head) {
	case "tasks":
		id, prop := splitHead(rest)
		result, ok := p.scope.TaskResult(id)
		if !ok || result == nil {
			return ""
		}
		return taskProperty(result, prop)
	case "env":
		if v, ok := p.scope.Env(rest); ok {
			return v
		}
		return ""
	case "workflow":
		if v, ok := p.scope.WorkflowField(strings.ToLower(rest)); ok {
			return v
		}
		return ""
	case "matrix":
		if v, ok := p.scope.Matrix(rest); ok {
			return v
		}
		return ""
	case "params":
		if v, ok := p.scope.Param(rest); ok {
			return v
		}
		return ""
	default:
		return ""
	}
}

func (p *parser) consumeOp(op string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], op) {
		p.pos += len(op)
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func splitHead(path string) (head, rest string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '-'
}
