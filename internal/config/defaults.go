package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the built-in configuration. The stall threshold is
// deliberately longer than the idle threshold: the sweeper is a second-layer
// safety net for tasks whose per-message loop stopped progressing entirely.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Agent: AgentConfig{
			Command:        "claude",
			TranscriptRoot: filepath.Join(home, ".claude", "projects"),
			ToolPrefix:     "mcp__task-tracker__",
			CacheSize:      128,
		},
		Engine: EngineConfig{
			IdleThreshold:      Duration(2 * time.Minute),
			StallThreshold:     Duration(3 * time.Minute),
			SweepInterval:      Duration(30 * time.Second),
			ContinuationDelay:  Duration(2 * time.Second),
			AnnounceRetryDelay: Duration(5 * time.Second),
			GraceRetention:     Duration(10 * time.Minute),
			MonitorMaxRetries:  3,
			MaxConcurrentTasks: 8,
			NoActivityPolicy:   "restart",
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".taskpilot", "taskpilot.db"),
		},
	}
}
