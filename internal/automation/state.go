package automation

import (
	"strings"
	"time"

	"taskpilot/internal/claude"
)

// DefaultIdleThreshold is how long the stream may be silent before the agent
// is classified idle regardless of message content.
const DefaultIdleThreshold = 2 * time.Minute

// Detector classifies agent liveness from the latest stream message and
// elapsed inactivity. Detect is a pure function of its inputs; it must be
// re-evaluated on every incoming message, not only at stream end, because
// the sweeper may probe mid-stream.
type Detector struct {
	IdleThreshold time.Duration
	Now           func() time.Time // test hook; defaults to time.Now
}

// NewDetector creates a detector with the given idle threshold
// (DefaultIdleThreshold when zero).
func NewDetector(idleThreshold time.Duration) Detector {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	return Detector{IdleThreshold: idleThreshold}
}

// Detect classifies the agent's state given the message, whether it is the
// terminal message of the stream, and the task's last activity timestamp.
//
// Priority order: explicit error markers win, then the inactivity timeout
// (which overrides raw message content), then per-message activity
// heuristics.
func (d Detector) Detect(msg claude.StreamMessage, isLast bool, lastActivity time.Time) AgentState {
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}

	if isErrorMarker(msg) {
		return AgentError
	}

	threshold := d.IdleThreshold
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	if !lastActivity.IsZero() && now.Sub(lastActivity) > threshold {
		return AgentIdle
	}

	switch msg.Type {
	case claude.MessageToolUse, claude.MessageToolResult:
		// Tool traffic means the agent is actively working.
		return AgentRunning
	case claude.MessageAssistant:
		if isLast {
			// The agent finished its turn and awaits the next instruction.
			return AgentIdle
		}
		return AgentRunning
	case claude.MessageError:
		return AgentError
	case claude.MessageUser, claude.MessageResult, claude.MessageSystem:
		if isLast {
			return AgentIdle
		}
		return AgentRunning
	default:
		// Unknown message types fall through here rather than being
		// silently ignored.
		if isLast {
			return AgentIdle
		}
		return AgentRunning
	}
}

// isErrorMarker reports whether the message signals an explicit error.
func isErrorMarker(msg claude.StreamMessage) bool {
	if msg.Type == claude.MessageError {
		return true
	}
	if msg.Type == claude.MessageResult && (msg.IsError || strings.HasPrefix(msg.Subtype, "error")) {
		return true
	}
	return msg.IsError && msg.Type != claude.MessageToolResult
}
