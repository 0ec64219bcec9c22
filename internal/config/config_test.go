package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.Agents.MaxDevelopers)
	assert.Equal(t, 80, cfg.Quality.CoverageThreshold)
	assert.Equal(t, 0, cfg.Security.CriticalCVEMax)
	assert.Equal(t, "haiku", cfg.Models["manager"])
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Agents.MaxDevelopers, cfg.Agents.MaxDevelopers)
}

func TestLoad_ParsesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[general]
log_level = "DEBUG"

[agents]
max_developers = 7

[quality]
coverage_threshold = 90
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.General.LogLevel)
	assert.Equal(t, 7, cfg.Agents.MaxDevelopers)
	assert.Equal(t, 90, cfg.Quality.CoverageThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Timeouts.AgentHeartbeatSeconds, cfg.Timeouts.AgentHeartbeatSeconds)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("overrides a known int field", func(t *testing.T) {
		t.Setenv("AI_SPRINT_AGENTS__MAX_DEVELOPERS", "9")
		cfg := Default()
		cfg.applyEnvOverrides()
		assert.Equal(t, 9, cfg.Agents.MaxDevelopers)
	})

	t.Run("overrides a string field", func(t *testing.T) {
		t.Setenv("AI_SPRINT_GENERAL__LOG_LEVEL", "WARN")
		cfg := Default()
		cfg.applyEnvOverrides()
		assert.Equal(t, "WARN", cfg.General.LogLevel)
	})

	t.Run("unparseable int leaves the existing value", func(t *testing.T) {
		t.Setenv("AI_SPRINT_QUALITY__COVERAGE_THRESHOLD", "not-a-number")
		cfg := Default()
		cfg.applyEnvOverrides()
		assert.Equal(t, Default().Quality.CoverageThreshold, cfg.Quality.CoverageThreshold)
	})

	t.Run("models section keys are free-form", func(t *testing.T) {
		t.Setenv("AI_SPRINT_MODELS__REFINERY", "opus")
		cfg := Default()
		cfg.applyEnvOverrides()
		assert.Equal(t, "opus", cfg.Models["refinery"])
	})

	t.Run("unknown section or field is ignored", func(t *testing.T) {
		t.Setenv("AI_SPRINT_BOGUS__FIELD", "x")
		cfg := Default()
		cfg.applyEnvOverrides()
		assert.Equal(t, Default(), cfg)
	})
}

func TestAtoiOr(t *testing.T) {
	assert.Equal(t, 42, atoiOr("42", 0))
	assert.Equal(t, 7, atoiOr("nope", 7))
}
