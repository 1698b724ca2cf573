package automation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the registry and orchestrator.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task already in a terminal state")
	ErrNoAliveTask  = errors.New("no alive task matches")
	ErrDuplicateID  = errors.New("task id already registered")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// IsAlive reports whether the status is running or paused.
func (s TaskStatus) IsAlive() bool {
	return s == StatusRunning || s == StatusPaused
}

// IsTerminal reports whether the status is completed or failed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CompletionCondition describes how a task is considered done.
type CompletionCondition string

const (
	CompletionExternalTracker CompletionCondition = "external-tracker"
	CompletionManual          CompletionCondition = "manual"
)

// Task is one driven agent session and its lifecycle state.
//
// Invariants: only running/paused tasks are alive; only alive tasks carry a
// cancel func; a task transitions to a terminal state at most once. After
// that, registry operations targeting it fail with ErrTaskTerminal instead
// of silently no-opping.
type Task struct {
	ID        string
	ProjectID string
	WorkDir   string

	// SessionID and UserMessageID identify the agent session once the first
	// confirmed stream message has established it.
	SessionID     string
	UserMessageID string

	CompletionCondition CompletionCondition
	Prompt              string // original prompt; required to support restart
	AutoContinue        bool

	Status       TaskStatus
	Reason       string // terminal or pause explanation
	LastActivity time.Time
	CreatedAt    time.Time
	terminalAt   time.Time

	cancel context.CancelFunc
}

// CanAutoContinue reports whether the engine may restart this task in a
// fresh session without human intervention.
func (t *Task) CanAutoContinue() bool {
	return t.AutoContinue && t.Prompt != ""
}

// Cancel fires the task's cancellation token, if it carries one.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// ToolOutcome is one parsed result of the tracked external tool.
type ToolOutcome struct {
	ToolUseID string
	Success   bool
	Message   string
	Total     int
	Completed int
}

// TaskProgress is the structured progress extracted from a session transcript.
type TaskProgress struct {
	TaskID         string
	SessionID      string
	TotalTasks     int
	CompletedTasks int
	LastUpdated    time.Time
	RawResults     []ToolOutcome // ordered list of parsed tool outcomes
}

// Validate rejects impossible counts. Violations are validation errors, never
// silent clamps.
func (p *TaskProgress) Validate() error {
	if p.TotalTasks < 0 {
		return fmt.Errorf("totalTasks must be >= 0, got %d", p.TotalTasks)
	}
	if p.CompletedTasks < 0 {
		return fmt.Errorf("completedTasks must be >= 0, got %d", p.CompletedTasks)
	}
	if p.CompletedTasks > p.TotalTasks {
		return fmt.Errorf("completedTasks (%d) exceeds totalTasks (%d)", p.CompletedTasks, p.TotalTasks)
	}
	return nil
}

// WorkflowStatus is derived from extracted progress, never stored.
type WorkflowStatus string

const (
	WorkflowCompleted  WorkflowStatus = "completed"   // total > 0 and total == completed
	WorkflowInProgress WorkflowStatus = "in_progress" // progress found, not complete
	WorkflowNoActivity WorkflowStatus = "no_activity" // no matching tool call yet
	WorkflowUnknown    WorkflowStatus = "unknown"     // not applicable / detection failed
)

// ProgressStatus derives the workflow status from extracted progress.
// nil progress means the tracked tool was never invoked.
func ProgressStatus(p *TaskProgress) WorkflowStatus {
	if p == nil {
		return WorkflowNoActivity
	}
	if p.TotalTasks > 0 && p.TotalTasks == p.CompletedTasks {
		return WorkflowCompleted
	}
	return WorkflowInProgress
}

// AgentState classifies the liveness of the agent behind a stream.
type AgentState string

const (
	AgentRunning AgentState = "running"
	AgentIdle    AgentState = "idle"
	AgentError   AgentState = "error"
)

// TaskAction is the transition the engine decided on.
type TaskAction string

const (
	ActionContinue TaskAction = "continue" // still streaming, no decision made
	ActionPause    TaskAction = "pause"
	ActionComplete TaskAction = "complete"
	ActionRestart  TaskAction = "restart"
)

// TaskDecision is produced once per triggering event and never persisted.
type TaskDecision struct {
	Action        TaskAction
	Reason        string
	ShouldExecute bool
}

// TaskConfig is the external request shape for starting or continuing a task.
type TaskConfig struct {
	WorkDir             string
	ProjectID           string
	SessionID           string // continue an existing alive task when set
	CompletionCondition CompletionCondition
	AutoContinue        bool
}
