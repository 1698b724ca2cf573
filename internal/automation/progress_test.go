package automation

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/claude"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func trackerCall(id string) claude.StreamMessage {
	return claude.StreamMessage{
		Type:      claude.MessageToolUse,
		ToolName:  DefaultToolPrefix + "update_task",
		ToolUseID: id,
	}
}

func trackerResult(id, payload string) claude.StreamMessage {
	return claude.StreamMessage{
		Type:       claude.MessageToolResult,
		ToolUseID:  id,
		ToolResult: payload,
	}
}

func summaryPayload(total, completed int) string {
	return fmt.Sprintf(
		`{"success":true,"message":"updated","data":{"summary":{"total":%d,"completed":%d}}}`,
		total, completed)
}

func TestExtractNoTrackerActivity(t *testing.T) {
	e := NewExtractor("", testLogger())

	transcript := []claude.StreamMessage{
		{Type: claude.MessageSystem, SessionID: "s1"},
		{Type: claude.MessageAssistant, Content: "thinking"},
		{Type: claude.MessageToolUse, ToolName: "Bash", ToolUseID: "t1"},
		{Type: claude.MessageToolResult, ToolUseID: "t1", ToolResult: "ok"},
	}

	progress, err := e.Extract(transcript)
	require.NoError(t, err)
	assert.Nil(t, progress)
}

func TestExtractSingleSummary(t *testing.T) {
	e := NewExtractor("", testLogger())

	transcript := []claude.StreamMessage{
		{Type: claude.MessageSystem, SessionID: "s1"},
		trackerCall("t1"),
		trackerResult("t1", summaryPayload(5, 2)),
	}

	progress, err := e.Extract(transcript)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 5, progress.TotalTasks)
	assert.Equal(t, 2, progress.CompletedTasks)
	assert.Equal(t, "s1", progress.SessionID)
	require.Len(t, progress.RawResults, 1)
	assert.True(t, progress.RawResults[0].Success)
}

func TestExtractMostRecentSummaryWins(t *testing.T) {
	e := NewExtractor("", testLogger())

	transcript := []claude.StreamMessage{
		trackerCall("t1"),
		trackerResult("t1", summaryPayload(5, 1)),
		trackerCall("t2"),
		trackerResult("t2", summaryPayload(5, 4)),
	}

	progress, err := e.Extract(transcript)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 4, progress.CompletedTasks)
	assert.Len(t, progress.RawResults, 2)
}

func TestExtractIgnoresOtherToolsWithSimilarPayloads(t *testing.T) {
	e := NewExtractor("", testLogger())

	// A non-reserved tool returning a summary-shaped payload must not count.
	transcript := []claude.StreamMessage{
		{Type: claude.MessageToolUse, ToolName: "some_other_tool", ToolUseID: "t1"},
		trackerResult("t1", summaryPayload(3, 3)),
	}

	progress, err := e.Extract(transcript)
	require.NoError(t, err)
	assert.Nil(t, progress)
}

func TestExtractSkipsSummarylessActions(t *testing.T) {
	e := NewExtractor("", testLogger())

	// A payload whose data object has no summary key is a different action
	// of the tracker (create/update), not a structural violation.
	transcript := []claude.StreamMessage{
		trackerCall("t1"),
		trackerResult("t1", `{"success":true,"message":"created","data":{"task":{"id":"x"}}}`),
	}

	progress, err := e.Extract(transcript)
	require.NoError(t, err)
	assert.Nil(t, progress)
}

func TestExtractMissingDataIsContractError(t *testing.T) {
	e := NewExtractor("", testLogger())

	transcript := []claude.StreamMessage{
		trackerCall("t1"),
		trackerResult("t1", `{"success":true,"message":"done"}`),
	}

	progress, err := e.Extract(transcript)
	assert.Nil(t, progress)

	var ce *ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, MissingSummary, ce.Kind)
	assert.Equal(t, "t1", ce.ToolUseID)
}

func TestExtractMissingNumericFieldsAreNamed(t *testing.T) {
	e := NewExtractor("", testLogger())

	transcript := []claude.StreamMessage{
		trackerCall("t1"),
		trackerResult("t1", `{"success":true,"data":{"summary":{"total":7}}}`),
	}

	_, err := e.Extract(transcript)
	var ce *ContractError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, MissingFields, ce.Kind)
	assert.Equal(t, []string{"completed"}, ce.Fields)
	assert.Contains(t, ce.Error(), "completed")
}

func TestExtractLaterSuccessSupersedesStructuralError(t *testing.T) {
	e := NewExtractor("", testLogger())

	transcript := []claude.StreamMessage{
		trackerCall("t1"),
		trackerResult("t1", `{"success":true,"data":{"summary":{}}}`),
		trackerCall("t2"),
		trackerResult("t2", summaryPayload(2, 1)),
	}

	progress, err := e.Extract(transcript)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 2, progress.TotalTasks)
}

func TestExtractRepairsNearJSON(t *testing.T) {
	e := NewExtractor("", testLogger())

	// Trailing comma: invalid JSON that the repair pass can recover.
	payload := `{"success":true,"message":"ok","data":{"summary":{"total":3,"completed":3,}}}`
	transcript := []claude.StreamMessage{
		trackerCall("t1"),
		trackerResult("t1", payload),
	}

	progress, err := e.Extract(transcript)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 3, progress.CompletedTasks)
}

func TestExtractRejectsImpossibleCounts(t *testing.T) {
	e := NewExtractor("", testLogger())

	transcript := []claude.StreamMessage{
		trackerCall("t1"),
		trackerResult("t1", summaryPayload(3, 5)),
	}

	progress, err := e.Extract(transcript)
	assert.Nil(t, progress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestExtractCustomPrefix(t *testing.T) {
	e := NewExtractor("mcp__custom__", testLogger())

	transcript := []claude.StreamMessage{
		{Type: claude.MessageToolUse, ToolName: "mcp__custom__report", ToolUseID: "t1"},
		trackerResult("t1", summaryPayload(1, 0)),
		trackerCall("t2"), // default prefix, must be ignored here
		trackerResult("t2", summaryPayload(9, 9)),
	}

	progress, err := e.Extract(transcript)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 1, progress.TotalTasks)
	assert.Equal(t, 0, progress.CompletedTasks)
}

func TestProgressStatus(t *testing.T) {
	assert.Equal(t, WorkflowNoActivity, ProgressStatus(nil))
	assert.Equal(t, WorkflowCompleted, ProgressStatus(&TaskProgress{TotalTasks: 3, CompletedTasks: 3}))
	assert.Equal(t, WorkflowInProgress, ProgressStatus(&TaskProgress{TotalTasks: 3, CompletedTasks: 1}))
	// Zero totals are never "completed": nothing was ever tracked.
	assert.Equal(t, WorkflowInProgress, ProgressStatus(&TaskProgress{}))
}
