// Package trigger converts inbound chat and webhook messages into workflow
// dispatches: rule matching (command, pattern, keyword) with per-rule
// cooldowns, parameter template resolution, and the dispatcher that feeds
// the schedule orchestrator.
package trigger

import (
	"time"

	"engine/internal/workflow"
)

// Source identifies where a message came from.
type Source string

const (
	SourceTelegram  Source = "telegram"
	SourceDiscord   Source = "discord"
	SourceSlack     Source = "slack"
	SourceHTTP      Source = "http"
	SourceFileWatch Source = "filewatch"
)

// RuleType selects the match algorithm.
type RuleType string

const (
	TypeCommand RuleType = "command"
	TypePattern RuleType = "pattern"
	TypeKeyword RuleType = "keyword"
)

// Rule is one trigger rule. Rules are evaluated in declared order; the
// first match wins.
type Rule struct {
	Name             string            `yaml:"name"`
	Sources          []Source          `yaml:"sources"`
	Type             RuleType          `yaml:"type"`
	Pattern          string            `yaml:"pattern,omitempty"`
	Keywords         []string          `yaml:"keywords,omitempty"`
	WorkflowPath     string            `yaml:"workflow"`
	Parameters       map[string]string `yaml:"parameters,omitempty"`
	ResponseTemplate string            `yaml:"response,omitempty"`
	Cooldown         workflow.Duration `yaml:"cooldown,omitempty"`
	Enabled          *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled treats an absent enabled flag as true.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// AppliesTo reports whether the rule listens on the given source.
func (r *Rule) AppliesTo(source Source) bool {
	for _, s := range r.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// IncomingMessage is a normalized inbound message from any listener.
type IncomingMessage struct {
	MessageID   string
	Source      Source
	Text        string
	Username    string
	UserID      string
	ChannelID   string
	ChannelName string
	ReceivedAt  time.Time
	Metadata    map[string]string
	// Raw carries the listener-specific payload for reply routing.
	Raw any
}

// SenderDisplayName returns the best available name for the sender.
func (m *IncomingMessage) SenderDisplayName() string {
	if m.Username != "" {
		return m.Username
	}
	return m.UserID
}

// MatchResult is a successful rule match with its extracted captures.
type MatchResult struct {
	Rule     *Rule
	Captures map[string]string
	Message  *IncomingMessage
}
