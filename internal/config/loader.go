package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskpilot/config.json
// Project: .taskpilot/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".taskpilot", "config.json")
	projectPath := filepath.Join(".taskpilot", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges its non-zero fields
// into the base config. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	mergeAgent(&base.Agent, loaded.Agent)
	mergeEngine(&base.Engine, loaded.Engine)
	if loaded.Store.Path != "" {
		base.Store.Path = loaded.Store.Path
	}

	return nil
}

func mergeAgent(base *AgentConfig, loaded AgentConfig) {
	if loaded.Command != "" {
		base.Command = loaded.Command
	}
	if loaded.Model != "" {
		base.Model = loaded.Model
	}
	if loaded.TranscriptRoot != "" {
		base.TranscriptRoot = loaded.TranscriptRoot
	}
	if loaded.ToolPrefix != "" {
		base.ToolPrefix = loaded.ToolPrefix
	}
	if loaded.CacheSize > 0 {
		base.CacheSize = loaded.CacheSize
	}
}

func mergeEngine(base *EngineConfig, loaded EngineConfig) {
	if loaded.IdleThreshold > 0 {
		base.IdleThreshold = loaded.IdleThreshold
	}
	if loaded.StallThreshold > 0 {
		base.StallThreshold = loaded.StallThreshold
	}
	if loaded.SweepInterval > 0 {
		base.SweepInterval = loaded.SweepInterval
	}
	if loaded.ContinuationDelay > 0 {
		base.ContinuationDelay = loaded.ContinuationDelay
	}
	if loaded.AnnounceRetryDelay > 0 {
		base.AnnounceRetryDelay = loaded.AnnounceRetryDelay
	}
	if loaded.GraceRetention > 0 {
		base.GraceRetention = loaded.GraceRetention
	}
	if loaded.MonitorMaxRetries > 0 {
		base.MonitorMaxRetries = loaded.MonitorMaxRetries
	}
	if loaded.MaxConcurrentTasks > 0 {
		base.MaxConcurrentTasks = loaded.MaxConcurrentTasks
	}
	if loaded.NoActivityPolicy != "" {
		base.NoActivityPolicy = loaded.NoActivityPolicy
	}
}

// validate rejects configurations the engine cannot run with.
func (c *Config) validate() error {
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	switch c.Engine.NoActivityPolicy {
	case "restart", "pause":
	default:
		return fmt.Errorf("engine.no_activity_policy must be %q or %q, got %q",
			"restart", "pause", c.Engine.NoActivityPolicy)
	}
	if c.Engine.StallThreshold < c.Engine.IdleThreshold {
		return fmt.Errorf("engine.stall_threshold (%s) must not be shorter than engine.idle_threshold (%s)",
			c.Engine.StallThreshold.Std(), c.Engine.IdleThreshold.Std())
	}
	return nil
}
