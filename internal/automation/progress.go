package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"taskpilot/internal/claude"
)

// DefaultToolPrefix is the reserved name prefix of the external tracker tool
// whose results carry progress summaries.
const DefaultToolPrefix = "mcp__task-tracker__"

// ContractErrorKind distinguishes the two structural failure modes of a
// tracker payload.
type ContractErrorKind string

const (
	// MissingSummary: the payload parsed but its data section is absent or
	// not an object, so there is no summary key at all.
	MissingSummary ContractErrorKind = "missing_summary"
	// MissingFields: a summary object exists but lacks the expected numeric
	// fields.
	MissingFields ContractErrorKind = "missing_fields"
)

// ContractError reports that the external tracker tool's payload no longer
// matches the shape this engine expects. It names the missing pieces so the
// operator can tell the tool's contract changed rather than guessing.
type ContractError struct {
	Kind      ContractErrorKind
	ToolUseID string
	Fields    []string // missing field names, for MissingFields
	Cause     error
}

func (e *ContractError) Error() string {
	switch e.Kind {
	case MissingSummary:
		return fmt.Sprintf(
			"tracker payload for tool call %s has no summary object; the tracker tool's output contract has likely changed",
			e.ToolUseID)
	case MissingFields:
		return fmt.Sprintf(
			"tracker summary for tool call %s is missing expected numeric fields %v; the tracker tool's output contract has likely changed",
			e.ToolUseID, e.Fields)
	default:
		return fmt.Sprintf("tracker payload for tool call %s failed validation", e.ToolUseID)
	}
}

func (e *ContractError) Unwrap() error { return e.Cause }

// Extractor scans session transcripts for invocations of the reserved
// tracker tool and parses the progress summaries embedded in their results.
type Extractor struct {
	Prefix string
	logger *slog.Logger
}

// NewExtractor creates an extractor for the given reserved tool-name prefix
// (DefaultToolPrefix when empty).
func NewExtractor(prefix string, logger *slog.Logger) *Extractor {
	if prefix == "" {
		prefix = DefaultToolPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{Prefix: prefix, logger: logger}
}

// trackerPayload is the expected envelope of one tracker tool result.
type trackerPayload struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Extract walks the transcript once and returns the most recent successfully
// parsed progress summary.
//
// Returns (nil, nil) when no tracker call exists anywhere in the transcript:
// that is "no activity", not an error. Payloads that parse but carry no
// summary are a different action of the same tool and are silently skipped.
// Structural violations of the expected shape produce a *ContractError; the
// error is returned only when no later payload parsed successfully.
func (e *Extractor) Extract(transcript []claude.StreamMessage) (*TaskProgress, error) {
	// First pass target: every tool invocation whose name matches the
	// reserved prefix, keyed by its invocation id.
	calls := make(map[string]claude.StreamMessage)

	var (
		outcomes  []ToolOutcome
		latest    *ToolOutcome
		sessionID string
		structErr *ContractError
	)

	for i := range transcript {
		msg := transcript[i]
		if msg.SessionID != "" {
			sessionID = msg.SessionID
		}

		switch msg.Type {
		case claude.MessageToolUse:
			if strings.HasPrefix(msg.ToolName, e.Prefix) {
				calls[msg.ToolUseID] = msg
			}

		case claude.MessageToolResult:
			if _, ok := calls[msg.ToolUseID]; !ok {
				continue
			}
			outcome, err := e.parseResult(msg)
			if err != nil {
				var ce *ContractError
				if errors.As(err, &ce) {
					structErr = ce
				} else {
					// Parsing failure: logged and treated as "no progress
					// found", never fatal.
					e.logger.Warn("unparseable tracker payload",
						"tool_use_id", msg.ToolUseID, "error", err)
				}
				continue
			}
			if outcome == nil {
				continue // different tracker action, no summary
			}
			outcomes = append(outcomes, *outcome)
			latest = outcome

		default:
			// Other message types carry no progress information.
		}
	}

	if latest == nil {
		if structErr != nil {
			return nil, structErr
		}
		return nil, nil
	}

	progress := &TaskProgress{
		SessionID:      sessionID,
		TotalTasks:     latest.Total,
		CompletedTasks: latest.Completed,
		LastUpdated:    time.Now(),
		RawResults:     outcomes,
	}
	if err := progress.Validate(); err != nil {
		return nil, fmt.Errorf("tracker reported invalid progress: %w", err)
	}
	return progress, nil
}

// parseResult parses one tracker tool result. Returns (nil, nil) for payloads
// that belong to a different tracker action.
func (e *Extractor) parseResult(msg claude.StreamMessage) (*ToolOutcome, error) {
	raw := msg.ToolResult

	var payload trackerPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		// Agents occasionally emit near-JSON; try a repair pass before
		// giving up.
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("tracker payload is not valid JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
			return nil, fmt.Errorf("tracker payload is not valid JSON even after repair: %w", err)
		}
	}

	// Permissive type-only prefilter: data must be a JSON object before the
	// full shape check applies.
	if len(payload.Data) == 0 {
		return nil, &ContractError{Kind: MissingSummary, ToolUseID: msg.ToolUseID}
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		return nil, &ContractError{Kind: MissingSummary, ToolUseID: msg.ToolUseID, Cause: err}
	}

	summaryRaw, ok := data["summary"]
	if !ok {
		// A summaryless data object is a different action of the same tool
		// (e.g. create/update), not a progress report.
		return nil, nil
	}

	var summary map[string]json.RawMessage
	if err := json.Unmarshal(summaryRaw, &summary); err != nil {
		return nil, &ContractError{Kind: MissingSummary, ToolUseID: msg.ToolUseID, Cause: err}
	}

	var missing []string
	total, err := intField(summary, "total")
	if err != nil {
		missing = append(missing, "total")
	}
	completed, err := intField(summary, "completed")
	if err != nil {
		missing = append(missing, "completed")
	}
	if len(missing) > 0 {
		return nil, &ContractError{Kind: MissingFields, ToolUseID: msg.ToolUseID, Fields: missing}
	}

	return &ToolOutcome{
		ToolUseID: msg.ToolUseID,
		Success:   payload.Success,
		Message:   payload.Message,
		Total:     total,
		Completed: completed,
	}, nil
}

// intField extracts a numeric field from a raw JSON object.
func intField(obj map[string]json.RawMessage, key string) (int, error) {
	raw, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("field %q absent", key)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("field %q is not numeric: %w", key, err)
	}
	return n, nil
}
