package trigger

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"engine/internal/workflow"
)

// Config is a parsed trigger configuration file: the rules plus the
// per-source listener settings.
type Config struct {
	Rules     []*Rule          `yaml:"rules"`
	Telegram  *TelegramConfig  `yaml:"telegram,omitempty"`
	Slack     *SlackConfig     `yaml:"slack,omitempty"`
	HTTP      *HTTPConfig      `yaml:"http,omitempty"`
	FileWatch *FileWatchConfig `yaml:"filewatch,omitempty"`
}

// TelegramConfig configures the long-polling Telegram listener.
type TelegramConfig struct {
	BotToken     string            `yaml:"botToken"`
	PollInterval workflow.Duration `yaml:"pollInterval,omitempty"`
}

// SlackConfig configures the Slack listeners. SigningSecret verifies the
// HTTP events endpoint; AppToken enables socket mode.
type SlackConfig struct {
	BotToken      string `yaml:"botToken,omitempty"`
	AppToken      string `yaml:"appToken,omitempty"`
	SigningSecret string `yaml:"signingSecret,omitempty"`
}

// HTTPConfig configures the generic webhook listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// FileWatchConfig configures the file-watch source.
type FileWatchConfig struct {
	Paths    []string          `yaml:"paths"`
	Patterns []string          `yaml:"patterns,omitempty"`
	Debounce workflow.Duration `yaml:"debounce,omitempty"`
}

// LoadConfig reads and validates a trigger configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trigger config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates trigger configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse trigger config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validSources = map[Source]bool{
	SourceTelegram: true, SourceDiscord: true, SourceSlack: true,
	SourceHTTP: true, SourceFileWatch: true,
}

// Validate checks rule shape: unique names, known sources and types, and
// the fields each match type requires.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Rules))
	for _, rule := range c.Rules {
		if rule.Name == "" {
			return fmt.Errorf("trigger rule without a name")
		}
		key := strings.ToLower(rule.Name)
		if seen[key] {
			return fmt.Errorf("duplicate trigger rule %q", rule.Name)
		}
		seen[key] = true

		if len(rule.Sources) == 0 {
			return fmt.Errorf("rule %q: at least one source is required", rule.Name)
		}
		for _, source := range rule.Sources {
			if !validSources[source] {
				return fmt.Errorf("rule %q: unknown source %q", rule.Name, source)
			}
		}
		if rule.WorkflowPath == "" {
			return fmt.Errorf("rule %q: workflow is required", rule.Name)
		}

		switch rule.Type {
		case TypeCommand:
			if rule.Pattern == "" {
				return fmt.Errorf("rule %q: command rules need a pattern", rule.Name)
			}
		case TypePattern:
			if rule.Pattern == "" {
				return fmt.Errorf("rule %q: pattern rules need a pattern", rule.Name)
			}
			if _, err := regexp.Compile("(?i)" + rule.Pattern); err != nil {
				return fmt.Errorf("rule %q: invalid pattern: %w", rule.Name, err)
			}
		case TypeKeyword:
			if len(rule.Keywords) == 0 {
				return fmt.Errorf("rule %q: keyword rules need keywords", rule.Name)
			}
		default:
			return fmt.Errorf("rule %q: unknown type %q", rule.Name, rule.Type)
		}
	}
	return nil
}
