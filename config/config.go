// Package config loads runtime configuration from an optional YAML file
// layered over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the agent.
type Config struct {
	// Provider is the model provider identifier ("openai", "anthropic").
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model,omitempty"`

	// ModelBudget is the context window size in tokens.
	ModelBudget int `yaml:"model_budget"`

	// ReservedMargin is the token headroom kept for the model's reply;
	// compaction triggers when usage plus margin reaches the budget.
	ReservedMargin int `yaml:"reserved_margin"`

	// MaxSteps caps the number of model calls per run.
	MaxSteps int `yaml:"max_steps"`

	// MaxAttempts is the total provider call attempts per step,
	// including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// SessionDir is where conversation logs live.
	SessionDir string `yaml:"session_dir,omitempty"`

	// BypassApprovals auto-approves every tool call. Use with caution.
	BypassApprovals bool `yaml:"bypass_approvals,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Provider:       "openai",
		ModelBudget:    200000,
		ReservedMargin: 20000,
		MaxSteps:       50,
		MaxAttempts:    3,
		LogLevel:       "info",
	}
}

// Load reads the YAML file at path over the defaults. A missing file
// yields the defaults; a present but malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the per-user config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stride.yaml"
	}
	return filepath.Join(home, ".stride", "config.yaml")
}

func (c *Config) validate() error {
	if c.ModelBudget <= 0 {
		return fmt.Errorf("model_budget must be positive, got %d", c.ModelBudget)
	}
	if c.ReservedMargin < 0 {
		return fmt.Errorf("reserved_margin must be non-negative, got %d", c.ReservedMargin)
	}
	if c.ReservedMargin >= c.ModelBudget {
		return fmt.Errorf("reserved_margin (%d) must be below model_budget (%d)", c.ReservedMargin, c.ModelBudget)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
