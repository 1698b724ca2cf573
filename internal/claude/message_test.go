package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLineSystem(t *testing.T) {
	msgs, err := DecodeLine([]byte(`{"type":"system","subtype":"init","session_id":"abc"}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageSystem, msgs[0].Type)
	assert.Equal(t, "abc", msgs[0].SessionID)
	assert.Equal(t, "init", msgs[0].Subtype)
}

func TestDecodeLineResult(t *testing.T) {
	msgs, err := DecodeLine([]byte(`{"type":"result","subtype":"success","session_id":"abc","is_error":false,"result":"all done"}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageResult, msgs[0].Type)
	assert.Equal(t, "success", msgs[0].Subtype)
	assert.Equal(t, "all done", msgs[0].Content)
	assert.False(t, msgs[0].IsError)
}

func TestDecodeLineAssistantFlattensBlocks(t *testing.T) {
	line := `{"type":"assistant","session_id":"abc","message":{"id":"msg_1","role":"assistant","content":[` +
		`{"type":"text","text":"let me check"},` +
		`{"type":"tool_use","id":"toolu_1","name":"mcp__task-tracker__update_task","input":{"status":"completed"}}` +
		`]}}`

	msgs, err := DecodeLine([]byte(line))
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, MessageAssistant, msgs[0].Type)
	assert.Equal(t, "let me check", msgs[0].Content)
	assert.Equal(t, "msg_1", msgs[0].MessageID)

	assert.Equal(t, MessageToolUse, msgs[1].Type)
	assert.Equal(t, "mcp__task-tracker__update_task", msgs[1].ToolName)
	assert.Equal(t, "toolu_1", msgs[1].ToolUseID)
	assert.JSONEq(t, `{"status":"completed"}`, string(msgs[1].ToolInput))
	assert.Equal(t, "abc", msgs[1].SessionID)
}

func TestDecodeLineUserToolResult(t *testing.T) {
	line := `{"type":"user","session_id":"abc","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_1","content":"{\"success\":true}","is_error":false}` +
		`]}}`

	msgs, err := DecodeLine([]byte(line))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageToolResult, msgs[0].Type)
	assert.Equal(t, "toolu_1", msgs[0].ToolUseID)
	assert.Equal(t, `{"success":true}`, msgs[0].ToolResult)
}

func TestDecodeLineToolResultBlockArray(t *testing.T) {
	line := `{"type":"user","session_id":"abc","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}` +
		`]}}`

	msgs, err := DecodeLine([]byte(line))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "part one part two", msgs[0].ToolResult)
}

func TestDecodeLineStringContent(t *testing.T) {
	msgs, err := DecodeLine([]byte(`{"type":"user","session_id":"abc","message":{"role":"user","content":"plain question"}}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageUser, msgs[0].Type)
	assert.Equal(t, "plain question", msgs[0].Content)
}

func TestDecodeLineEmptyTurn(t *testing.T) {
	msgs, err := DecodeLine([]byte(`{"type":"assistant","session_id":"abc"}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageAssistant, msgs[0].Type)
	assert.Empty(t, msgs[0].Content)
}

func TestDecodeLineUnknownTypePreserved(t *testing.T) {
	msgs, err := DecodeLine([]byte(`{"type":"telemetry","subtype":"tick","session_id":"abc"}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageType("telemetry"), msgs[0].Type)
	assert.Equal(t, "tick", msgs[0].Subtype)
}

func TestDecodeLineInvalidJSON(t *testing.T) {
	_, err := DecodeLine([]byte(`{not json`))
	assert.Error(t, err)
}
