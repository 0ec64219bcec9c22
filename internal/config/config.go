// Package config loads the coordination plane's configuration from a single
// TOML file (sections general/agents/timeouts/quality/security/models),
// with AI_SPRINT_<SECTION>__<KEY> environment overrides layered on top of
// the file-sourced values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the complete coordination-plane configuration.
type Config struct {
	General  GeneralConfig     `toml:"general"`
	Agents   AgentsConfig      `toml:"agents"`
	Timeouts TimeoutsConfig    `toml:"timeouts"`
	Quality  QualityConfig     `toml:"quality"`
	Security SecurityConfig    `toml:"security"`
	Models   map[string]string `toml:"models"`
}

type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
}

type AgentsConfig struct {
	MaxDevelopers          int `toml:"max_developers"`
	MaxTesters             int `toml:"max_testers"`
	PollingIntervalSeconds int `toml:"polling_interval_seconds"`
}

type TimeoutsConfig struct {
	AgentHeartbeatSeconds  int `toml:"agent_heartbeat_seconds"`
	AgentHungSeconds       int `toml:"agent_hung_seconds"`
	TaskMaxDurationSeconds int `toml:"task_max_duration_seconds"`
}

type QualityConfig struct {
	CoverageThreshold int `toml:"coverage_threshold"`
	MutationThreshold int `toml:"mutation_threshold"`
	ComplexityFlag    int `toml:"complexity_flag"`
	ComplexityMax     int `toml:"complexity_max"`
}

type SecurityConfig struct {
	CriticalCVEMax int `toml:"critical_cve_max"`
	HighCVEMax     int `toml:"high_cve_max"`
	MediumCVEMax   int `toml:"medium_cve_max"`
}

// Default returns the built-in defaults, matching
// original_source/ai_sprint/config/settings.py field defaults.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			DatabasePath: "~/.ai-sprint/state.db",
			LogLevel:     "INFO",
		},
		Agents: AgentsConfig{
			MaxDevelopers:          3,
			MaxTesters:             3,
			PollingIntervalSeconds: 30,
		},
		Timeouts: TimeoutsConfig{
			AgentHeartbeatSeconds:  60,
			AgentHungSeconds:       300,
			TaskMaxDurationSeconds: 7200,
		},
		Quality: QualityConfig{
			CoverageThreshold: 80,
			MutationThreshold: 80,
			ComplexityFlag:    10,
			ComplexityMax:     15,
		},
		Security: SecurityConfig{
			CriticalCVEMax: 0,
			HighCVEMax:     0,
			MediumCVEMax:   5,
		},
		Models: map[string]string{
			"manager":   "haiku",
			"cab":       "haiku",
			"refinery":  "sonnet",
			"librarian": "sonnet",
			"developer": "sonnet",
			"tester":    "haiku",
		},
	}
}

// Load reads a TOML config file (if path is non-empty and exists), falling
// back to Default(), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

const envPrefix = "AI_SPRINT_"
const envDelim = "__"

// applyEnvOverrides walks AI_SPRINT_<SECTION>__<KEY> environment variables
// and overlays them on top of file/defaults, section by section.
func (c *Config) applyEnvOverrides() {
	for _, e := range os.Environ() {
		kv := strings.SplitN(e, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, envPrefix)
		parts := strings.SplitN(rest, envDelim, 2)
		if len(parts) != 2 {
			continue
		}
		section, field := strings.ToLower(parts[0]), strings.ToLower(parts[1])
		c.applyOne(section, field, val)
	}
}

func (c *Config) applyOne(section, field, val string) {
	switch section {
	case "general":
		switch field {
		case "database_path":
			c.General.DatabasePath = val
		case "log_level":
			c.General.LogLevel = val
		}
	case "agents":
		switch field {
		case "max_developers":
			c.Agents.MaxDevelopers = atoiOr(val, c.Agents.MaxDevelopers)
		case "max_testers":
			c.Agents.MaxTesters = atoiOr(val, c.Agents.MaxTesters)
		case "polling_interval_seconds":
			c.Agents.PollingIntervalSeconds = atoiOr(val, c.Agents.PollingIntervalSeconds)
		}
	case "timeouts":
		switch field {
		case "agent_heartbeat_seconds":
			c.Timeouts.AgentHeartbeatSeconds = atoiOr(val, c.Timeouts.AgentHeartbeatSeconds)
		case "agent_hung_seconds":
			c.Timeouts.AgentHungSeconds = atoiOr(val, c.Timeouts.AgentHungSeconds)
		case "task_max_duration_seconds":
			c.Timeouts.TaskMaxDurationSeconds = atoiOr(val, c.Timeouts.TaskMaxDurationSeconds)
		}
	case "quality":
		switch field {
		case "coverage_threshold":
			c.Quality.CoverageThreshold = atoiOr(val, c.Quality.CoverageThreshold)
		case "mutation_threshold":
			c.Quality.MutationThreshold = atoiOr(val, c.Quality.MutationThreshold)
		case "complexity_flag":
			c.Quality.ComplexityFlag = atoiOr(val, c.Quality.ComplexityFlag)
		case "complexity_max":
			c.Quality.ComplexityMax = atoiOr(val, c.Quality.ComplexityMax)
		}
	case "security":
		switch field {
		case "critical_cve_max":
			c.Security.CriticalCVEMax = atoiOr(val, c.Security.CriticalCVEMax)
		case "high_cve_max":
			c.Security.HighCVEMax = atoiOr(val, c.Security.HighCVEMax)
		case "medium_cve_max":
			c.Security.MediumCVEMax = atoiOr(val, c.Security.MediumCVEMax)
		}
	case "models":
		if c.Models == nil {
			c.Models = map[string]string{}
		}
		c.Models[field] = val
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
