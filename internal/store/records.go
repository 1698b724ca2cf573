package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskpilot/internal/automation"
)

// Interface guard: the store must satisfy the engine's audit contract.
var _ automation.Auditor = (*SQLiteStore)(nil)

// TaskRecord is one persisted task row.
type TaskRecord struct {
	ID                  string
	ProjectID           string
	WorkDir             string
	SessionID           string
	UserMessageID       string
	CompletionCondition string
	Prompt              string
	AutoContinue        bool
	Status              string
	Reason              string
	LastActivity        time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Transition is one entry of a task's status history.
type Transition struct {
	TaskID     string
	FromStatus string
	ToStatus   string
	Reason     string
	OccurredAt time.Time
}

// RecordTask upserts the current row for a task.
// Uses ON CONFLICT to make writes idempotent.
func (s *SQLiteStore) RecordTask(ctx context.Context, task automation.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, work_dir, session_id, user_message_id,
			completion_condition, prompt, auto_continue, status, reason,
			last_activity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			user_message_id = excluded.user_message_id,
			status = excluded.status,
			reason = excluded.reason,
			last_activity = excluded.last_activity,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.ProjectID, task.WorkDir, task.SessionID, task.UserMessageID,
		string(task.CompletionCondition), task.Prompt, task.AutoContinue,
		string(task.Status), task.Reason, task.LastActivity, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// RecordTransition appends one status change to the task's history.
func (s *SQLiteStore) RecordTransition(ctx context.Context, taskID string, from, to automation.TaskStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_status, to_status, reason)
		VALUES (?, ?, ?, ?)
	`, taskID, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecordProgress appends one extracted progress snapshot.
func (s *SQLiteStore) RecordProgress(ctx context.Context, taskID string, progress automation.TaskProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_snapshots (task_id, session_id, total_tasks, completed_tasks)
		VALUES (?, ?, ?, ?)
	`, taskID, progress.SessionID, progress.TotalTasks, progress.CompletedTasks)
	if err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}

// RecordSession stores the task-to-session binding.
func (s *SQLiteStore) RecordSession(ctx context.Context, taskID, sessionID, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (task_id, session_id, project_id)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			project_id = excluded.project_id
	`, taskID, sessionID, projectID)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// GetTask retrieves one persisted task row by id.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	rec := &TaskRecord{}
	var lastActivity, createdAt, updatedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, work_dir, COALESCE(session_id, ''), COALESCE(user_message_id, ''),
			COALESCE(completion_condition, ''), COALESCE(prompt, ''), auto_continue,
			status, COALESCE(reason, ''), last_activity, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, taskID).Scan(&rec.ID, &rec.ProjectID, &rec.WorkDir, &rec.SessionID, &rec.UserMessageID,
		&rec.CompletionCondition, &rec.Prompt, &rec.AutoContinue,
		&rec.Status, &rec.Reason, &lastActivity, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	rec.LastActivity = lastActivity.Time
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time
	return rec, nil
}

// ListTasks returns all persisted tasks, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, work_dir, COALESCE(session_id, ''), COALESCE(user_message_id, ''),
			COALESCE(completion_condition, ''), COALESCE(prompt, ''), auto_continue,
			status, COALESCE(reason, ''), last_activity, created_at, updated_at
		FROM tasks
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		rec := &TaskRecord{}
		var lastActivity, createdAt, updatedAt sql.NullTime

		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.WorkDir, &rec.SessionID, &rec.UserMessageID,
			&rec.CompletionCondition, &rec.Prompt, &rec.AutoContinue,
			&rec.Status, &rec.Reason, &lastActivity, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		rec.LastActivity = lastActivity.Time
		rec.CreatedAt = createdAt.Time
		rec.UpdatedAt = updatedAt.Time
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return records, nil
}

// GetHistory returns the transition history of one task, oldest first.
func (s *SQLiteStore) GetHistory(ctx context.Context, taskID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, COALESCE(from_status, ''), to_status, COALESCE(reason, ''), occurred_at
		FROM task_transitions
		WHERE task_id = ?
		ORDER BY occurred_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.TaskID, &t.FromStatus, &t.ToStatus, &t.Reason, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		history = append(history, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return history, nil
}

// LatestProgress returns the most recent progress snapshot for a task, or
// nil when none was ever recorded.
func (s *SQLiteStore) LatestProgress(ctx context.Context, taskID string) (*automation.TaskProgress, error) {
	var p automation.TaskProgress
	var recordedAt time.Time

	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, COALESCE(session_id, ''), total_tasks, completed_tasks, recorded_at
		FROM progress_snapshots
		WHERE task_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, taskID).Scan(&p.TaskID, &p.SessionID, &p.TotalTasks, &p.CompletedTasks, &recordedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}

	p.LastUpdated = recordedAt
	return &p, nil
}
