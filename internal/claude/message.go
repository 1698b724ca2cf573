package claude

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of a stream message. The set is closed:
// consumers switch exhaustively and route anything else through a default arm.
type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageResult     MessageType = "result"
	MessageSystem     MessageType = "system"
	MessageError      MessageType = "error"
)

// StreamMessage is one entry of an agent session's ordered message stream.
// Content blocks embedded in raw CLI output (tool calls inside an assistant
// turn, tool results inside a user turn) are flattened into separate
// messages so consumers never have to look inside nested payloads.
type StreamMessage struct {
	Type      MessageType
	SessionID string
	MessageID string // id of the enclosing message, when the CLI reports one
	Role      string
	Content   string

	// Tool call fields. ToolUseID pairs a tool_use with its tool_result.
	ToolName   string
	ToolUseID  string
	ToolInput  json.RawMessage
	ToolResult string

	IsError   bool
	Subtype   string // result subtype: "success", "error_max_turns", ...
	Timestamp time.Time
}

// rawLine mirrors the envelope of one stream-json line emitted by the CLI.
type rawLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Message   *struct {
		ID      string          `json:"id"`
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// rawBlock is one content block inside an assistant or user message.
type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// DecodeLine parses one NDJSON line of CLI output into stream messages.
// A single line can expand into several messages when the enclosing turn
// carries multiple content blocks.
func DecodeLine(data []byte) ([]StreamMessage, error) {
	var line rawLine
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, fmt.Errorf("failed to decode stream line: %w", err)
	}

	now := time.Now()

	switch line.Type {
	case "system":
		return []StreamMessage{{
			Type:      MessageSystem,
			SessionID: line.SessionID,
			Subtype:   line.Subtype,
			Timestamp: now,
		}}, nil

	case "result":
		return []StreamMessage{{
			Type:      MessageResult,
			SessionID: line.SessionID,
			Subtype:   line.Subtype,
			Content:   line.Result,
			IsError:   line.IsError,
			Timestamp: now,
		}}, nil

	case "assistant", "user":
		return decodeTurn(line, now)

	case "error":
		return []StreamMessage{{
			Type:      MessageError,
			SessionID: line.SessionID,
			Content:   line.Result,
			IsError:   true,
			Timestamp: now,
		}}, nil

	default:
		// Unknown envelope types are preserved rather than dropped; the
		// engine's default branches decide what to do with them.
		return []StreamMessage{{
			Type:      MessageType(line.Type),
			SessionID: line.SessionID,
			Subtype:   line.Subtype,
			Timestamp: now,
		}}, nil
	}
}

// decodeTurn flattens the content blocks of an assistant or user turn.
func decodeTurn(line rawLine, now time.Time) ([]StreamMessage, error) {
	base := StreamMessage{
		Type:      MessageType(line.Type),
		SessionID: line.SessionID,
		Timestamp: now,
	}
	if line.Message != nil {
		base.MessageID = line.Message.ID
		base.Role = line.Message.Role
	}

	if line.Message == nil || len(line.Message.Content) == 0 {
		return []StreamMessage{base}, nil
	}

	// Content is either a plain string or an array of blocks.
	var text string
	if err := json.Unmarshal(line.Message.Content, &text); err == nil {
		base.Content = text
		return []StreamMessage{base}, nil
	}

	var blocks []rawBlock
	if err := json.Unmarshal(line.Message.Content, &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode %s content blocks: %w", line.Type, err)
	}

	var out []StreamMessage
	for _, b := range blocks {
		msg := base
		switch b.Type {
		case "text":
			msg.Content = b.Text
		case "tool_use":
			msg.Type = MessageToolUse
			msg.ToolName = b.Name
			msg.ToolUseID = b.ID
			msg.ToolInput = b.Input
		case "tool_result":
			msg.Type = MessageToolResult
			msg.ToolUseID = b.ToolUseID
			msg.ToolResult = blockContentString(b.Content)
			msg.IsError = b.IsError
		default:
			// Unrecognized block, keep the turn itself visible.
			msg.Content = b.Text
		}
		out = append(out, msg)
	}

	if len(out) == 0 {
		out = []StreamMessage{base}
	}
	return out, nil
}

// blockContentString normalizes a tool_result content field, which the CLI
// emits either as a string or as an array of {type:"text",text:...} blocks.
func blockContentString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
