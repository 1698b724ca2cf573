package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can spell intervals as
// human-readable strings ("30s", "2m").
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration value: %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentConfig configures the external coding-agent CLI.
type AgentConfig struct {
	Command        string `json:"command"`                   // CLI binary name (e.g., "claude")
	Model          string `json:"model,omitempty"`           // optional model override
	TranscriptRoot string `json:"transcript_root,omitempty"` // root of per-project JSONL transcripts
	ToolPrefix     string `json:"tool_prefix,omitempty"`     // reserved prefix of the tracked progress tool
	CacheSize      int    `json:"cache_size,omitempty"`      // transcript cache entries
}

// EngineConfig configures the task automation engine's policies and timing.
type EngineConfig struct {
	IdleThreshold      Duration `json:"idle_threshold"`       // inactivity before the agent counts as idle
	StallThreshold     Duration `json:"stall_threshold"`      // inactivity before the sweeper intervenes
	SweepInterval      Duration `json:"sweep_interval"`       // how often the sweeper runs
	ContinuationDelay  Duration `json:"continuation_delay"`   // grace before a scheduled continuation fires
	AnnounceRetryDelay Duration `json:"announce_retry_delay"` // fallback re-announcement of a new session
	GraceRetention     Duration `json:"grace_retention"`      // how long terminal tasks stay queryable
	MonitorMaxRetries  int      `json:"monitor_max_retries"`  // transcript read retries before failing the task
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"` // cap on simultaneously consumed streams
	NoActivityPolicy   string   `json:"no_activity_policy"`   // "restart" or "pause"
}

// StoreConfig configures the audit store.
type StoreConfig struct {
	Path string `json:"path"` // sqlite database path; empty disables persistence
}

// Config is the root configuration for taskpilot.
type Config struct {
	Agent  AgentConfig  `json:"agent"`
	Engine EngineConfig `json:"engine"`
	Store  StoreConfig  `json:"store"`
}
