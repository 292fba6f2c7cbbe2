// Package config resolves engine-level settings from the environment.
// Precedence is flags over environment over defaults; the CLI applies
// flag overrides after Load.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix namespaces all engine environment variables
// (WORKFLOW_ENGINE_TIMEOUT and friends).
const envPrefix = "WORKFLOW_ENGINE"

// Config carries the resolved engine settings.
type Config struct {
	// DefaultTimeout applies to workflows that declare none.
	DefaultTimeout time.Duration
	// Shell is the fallback shell for tasks and workflows without one.
	Shell string
	// WorkingDir overrides the run working directory.
	WorkingDir string
	// LogLevel selects the file logger threshold.
	LogLevel string
}

// Load reads the environment. WORKFLOW_ENGINE_TIMEOUT is in
// milliseconds.
func Load() *Config {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("timeout", 0)
	v.SetDefault("shell", "")
	v.SetDefault("working_dir", "")
	v.SetDefault("log_level", "info")

	return &Config{
		DefaultTimeout: time.Duration(v.GetInt64("timeout")) * time.Millisecond,
		Shell:          v.GetString("shell"),
		WorkingDir:     v.GetString("working_dir"),
		LogLevel:       v.GetString("log_level"),
	}
}
