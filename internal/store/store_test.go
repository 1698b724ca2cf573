package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/automation"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleTask(id string) automation.Task {
	return automation.Task{
		ID:                  id,
		ProjectID:           "proj",
		WorkDir:             "/tmp/w",
		SessionID:           "sess-" + id,
		CompletionCondition: automation.CompletionExternalTracker,
		Prompt:              "fix everything",
		AutoContinue:        true,
		Status:              automation.StatusRunning,
		LastActivity:        time.Now().UTC(),
		CreatedAt:           time.Now().UTC(),
	}
}

func TestRecordTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTask(ctx, sampleTask("a")))

	rec, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "proj", rec.ProjectID)
	assert.Equal(t, "sess-a", rec.SessionID)
	assert.Equal(t, "fix everything", rec.Prompt)
	assert.True(t, rec.AutoContinue)
	assert.Equal(t, string(automation.StatusRunning), rec.Status)
}

func TestRecordTaskUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := sampleTask("a")
	require.NoError(t, s.RecordTask(ctx, task))

	task.Status = automation.StatusCompleted
	task.Reason = "done"
	require.NoError(t, s.RecordTask(ctx, task))

	rec, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, string(automation.StatusCompleted), rec.Status)
	assert.Equal(t, "done", rec.Reason)

	all, err := s.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "re-recording the same task must not duplicate rows")
}

func TestGetTaskMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTransitionHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTask(ctx, sampleTask("a")))
	require.NoError(t, s.RecordTransition(ctx, "a", automation.StatusPending, automation.StatusRunning, ""))
	require.NoError(t, s.RecordTransition(ctx, "a", automation.StatusRunning, automation.StatusCompleted, "all done"))

	history, err := s.GetHistory(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, string(automation.StatusPending), history[0].FromStatus)
	assert.Equal(t, string(automation.StatusRunning), history[0].ToStatus)
	assert.Equal(t, "all done", history[1].Reason)
}

func TestLatestProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTask(ctx, sampleTask("a")))

	got, err := s.LatestProgress(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got, "no snapshot recorded yet")

	require.NoError(t, s.RecordProgress(ctx, "a", automation.TaskProgress{
		SessionID: "sess-a", TotalTasks: 5, CompletedTasks: 1,
	}))
	require.NoError(t, s.RecordProgress(ctx, "a", automation.TaskProgress{
		SessionID: "sess-a", TotalTasks: 5, CompletedTasks: 4,
	}))

	got, err = s.LatestProgress(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.CompletedTasks)
	assert.Equal(t, 5, got.TotalTasks)
}

func TestRecordSessionRebind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTask(ctx, sampleTask("a")))
	require.NoError(t, s.RecordSession(ctx, "a", "sess-1", "proj"))
	// A resumed task keeps one binding row; the latest session wins.
	require.NoError(t, s.RecordSession(ctx, "a", "sess-2", "proj"))
}

func TestForeignKeysEnforced(t *testing.T) {
	s := newTestStore(t)

	err := s.RecordTransition(context.Background(), "ghost",
		automation.StatusPending, automation.StatusRunning, "")
	assert.Error(t, err, "transitions for unknown tasks must be rejected")
}

func TestSQLiteStoreCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "audit.db")

	s, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RecordTask(context.Background(), sampleTask("a")))
	rec, err := s.GetTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)
}
