package trigger

import (
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"engine/internal/logging"
	"engine/internal/runner"
)

const regexCacheSize = 256

// Matcher evaluates trigger rules against incoming messages. Compiled
// regexes are cached; per-rule cooldowns are tracked in memory.
type Matcher struct {
	rules     []*Rule
	regexes   *lru.Cache[string, *regexp.Regexp]
	publisher *runner.Publisher
	logger    logging.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time

	// now is swappable for cooldown tests.
	now func() time.Time
}

// NewMatcher builds a matcher over the declared rules.
func NewMatcher(rules []*Rule, publisher *runner.Publisher, logger logging.Logger) *Matcher {
	cache, _ := lru.New[string, *regexp.Regexp](regexCacheSize)
	return &Matcher{
		rules:     rules,
		regexes:   cache,
		publisher: publisher,
		logger:    logging.OrNop(logger),
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Match evaluates the rules in declared order and returns the first match,
// or nil. A rule on cooldown is skipped with a TriggerCooldown event.
func (m *Matcher) Match(msg *IncomingMessage) *MatchResult {
	for _, rule := range m.rules {
		if !rule.IsEnabled() || !rule.AppliesTo(msg.Source) {
			continue
		}
		if remaining := m.GetRemainingCooldown(rule.Name); remaining > 0 {
			m.publisher.Publish(runner.Event{
				Kind:     runner.EventTriggerCooldown,
				RuleName: rule.Name,
				Duration: remaining,
			})
			continue
		}

		captures, ok := m.matchRule(rule, msg)
		if !ok {
			continue
		}

		m.stamp(rule.Name)
		m.logger.Info("trigger %s matched message %s from %s", rule.Name, msg.MessageID, msg.Source)
		m.publisher.Publish(runner.Event{
			Kind:         runner.EventTriggerMatched,
			RuleName:     rule.Name,
			WorkflowPath: rule.WorkflowPath,
		})
		return &MatchResult{Rule: rule, Captures: captures, Message: msg}
	}
	return nil
}

// GetRemainingCooldown reports how long the rule stays muted; zero means it
// may fire.
func (m *Matcher) GetRemainingCooldown(ruleName string) time.Duration {
	rule := m.ruleByName(ruleName)
	if rule == nil || rule.Cooldown.D() <= 0 {
		return 0
	}
	m.mu.Lock()
	fired, ok := m.lastFired[strings.ToLower(ruleName)]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	remaining := rule.Cooldown.D() - m.now().Sub(fired)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *Matcher) ruleByName(name string) *Rule {
	for _, rule := range m.rules {
		if strings.EqualFold(rule.Name, name) {
			return rule
		}
	}
	return nil
}

func (m *Matcher) stamp(ruleName string) {
	m.mu.Lock()
	m.lastFired[strings.ToLower(ruleName)] = m.now()
	m.mu.Unlock()
}

func (m *Matcher) matchRule(rule *Rule, msg *IncomingMessage) (map[string]string, bool) {
	switch rule.Type {
	case TypeCommand:
		return m.matchRegex(commandRegex(rule.Pattern), msg.Text)
	case TypePattern:
		return m.matchRegex("(?i)"+rule.Pattern, msg.Text)
	case TypeKeyword:
		lower := strings.ToLower(msg.Text)
		for _, keyword := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				return map[string]string{"keyword": keyword}, true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

func (m *Matcher) matchRegex(pattern, text string) (map[string]string, bool) {
	re, err := m.compile(pattern)
	if err != nil {
		m.logger.Warn("trigger pattern %q: %v", pattern, err)
		return nil, false
	}
	match := re.FindStringSubmatch(text)
	if match == nil {
		return nil, false
	}
	captures := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) {
			captures[name] = match[i]
		}
	}
	return captures, true
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := m.regexes.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.regexes.Add(pattern, re)
	return re, nil
}

// placeholderPattern matches {name} tokens inside a command definition.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// commandRegex converts a command definition like "/build {project}" into
// an anchored regex with named capture groups. Literal text is escaped;
// whitespace between tokens matches any run of whitespace.
func commandRegex(command string) string {
	var b strings.Builder
	b.WriteString(`(?i)^\s*`)
	for i, field := range strings.Fields(command) {
		if i > 0 {
			b.WriteString(`\s+`)
		}
		last := 0
		for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(field, -1) {
			b.WriteString(regexp.QuoteMeta(field[last:loc[0]]))
			b.WriteString(`(?P<` + field[loc[2]:loc[3]] + `>\S+)`)
			last = loc[1]
		}
		b.WriteString(regexp.QuoteMeta(field[last:]))
	}
	b.WriteString(`\s*$`)
	return b.String()
}
