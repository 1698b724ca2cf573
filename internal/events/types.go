package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicAutomation = "automation"
)

// Event type constants
const (
	EventTypeRegistryChanged = "task-registry-changed"
	EventTypeStarted         = "automation-started"
	EventTypeProgress        = "automation-progress"
	EventTypeCompleted       = "automation-completed"
	EventTypeCancelled       = "automation-cancelled"
	EventTypeError           = "automation-error"
	EventTypeContinuation    = "continuation-succeeded"
	EventTypeManualRequired  = "manual-continuation-required"
)

// TaskSnapshot is the registry's external view of one task. Consumers treat
// the snapshot list as a full replacement, never a diff.
type TaskSnapshot struct {
	ID           string
	ProjectID    string
	SessionID    string
	Status       string
	AutoContinue bool
	LastActivity time.Time
}

// RegistryChangedEvent carries the full current alive-task snapshot after
// every accepted registry mutation.
type RegistryChangedEvent struct {
	Tasks     []TaskSnapshot
	Timestamp time.Time
}

func (e RegistryChangedEvent) EventType() string { return EventTypeRegistryChanged }
func (e RegistryChangedEvent) TaskID() string    { return "" }

// StartedEvent is published when a task's agent session is confirmed.
type StartedEvent struct {
	ID        string
	ProjectID string
	SessionID string
	Timestamp time.Time
}

func (e StartedEvent) EventType() string { return EventTypeStarted }
func (e StartedEvent) TaskID() string    { return e.ID }

// ProgressEvent is published when a progress summary is extracted.
type ProgressEvent struct {
	ID        string
	SessionID string
	Total     int
	Completed int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return e.ID }

// CompletedEvent is published when a task reaches the completed state.
type CompletedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e CompletedEvent) EventType() string { return EventTypeCompleted }
func (e CompletedEvent) TaskID() string    { return e.ID }

// CancelledEvent is published when a task is aborted.
type CancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e CancelledEvent) EventType() string { return EventTypeCancelled }
func (e CancelledEvent) TaskID() string    { return e.ID }

// ErrorEvent is published when a task fails for execution or monitoring
// reasons, alongside the terminal state change.
type ErrorEvent struct {
	ID        string
	Err       string
	Timestamp time.Time
}

func (e ErrorEvent) EventType() string { return EventTypeError }
func (e ErrorEvent) TaskID() string    { return e.ID }

// ContinuationEvent announces the identity of the fresh session started in
// place of a completed task. Published twice (the second as a fallback for
// listeners that were disconnected during the first).
type ContinuationEvent struct {
	OldID        string
	NewID        string
	NewSessionID string
	Timestamp    time.Time
}

func (e ContinuationEvent) EventType() string { return EventTypeContinuation }
func (e ContinuationEvent) TaskID() string    { return e.NewID }

// ManualRequiredEvent is published when an automatic continuation could not
// start a fresh session and a human needs to take over.
type ManualRequiredEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e ManualRequiredEvent) EventType() string { return EventTypeManualRequired }
func (e ManualRequiredEvent) TaskID() string    { return e.ID }
