package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
provider: anthropic
model: claude-sonnet-4
max_steps: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-sonnet-4", cfg.Model)
	assert.Equal(t, 10, cfg.MaxSteps)
	// Unset keys keep their defaults.
	assert.Equal(t, 200000, cfg.ModelBudget)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "provider: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"zero budget", "model_budget: 0"},
		{"negative margin", "reserved_margin: -1"},
		{"margin over budget", "model_budget: 100\nreserved_margin: 100"},
		{"zero max steps", "max_steps: 0"},
		{"zero max attempts", "max_attempts: 0"},
		{"bad log level", "log_level: loud"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	assert.Contains(t, DefaultPath(), "config.yaml")
}
