package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"taskpilot/internal/events"
)

// Auditor persists task rows and transitions for offline status queries.
// All calls are best-effort from the registry's point of view: a store
// failure is logged, never propagated into engine operations.
type Auditor interface {
	RecordTask(ctx context.Context, task Task) error
	RecordTransition(ctx context.Context, taskID string, from, to TaskStatus, reason string) error
	RecordProgress(ctx context.Context, taskID string, progress TaskProgress) error
	RecordSession(ctx context.Context, taskID, sessionID, projectID string) error
}

// Registry is the lifecycle authority over all tasks. It is the single choke
// point for task mutation: callers read through accessors and mutate through
// methods, so the serialization guarantee lives in exactly one place.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task

	bus     *events.Bus
	auditor Auditor
	logger  *slog.Logger

	// grace is how long terminal tasks remain queryable before eviction.
	grace time.Duration
}

// NewRegistry creates a registry. bus is required; auditor may be nil.
func NewRegistry(bus *events.Bus, auditor Auditor, grace time.Duration, logger *slog.Logger) *Registry {
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:   make(map[string]*Task),
		bus:     bus,
		auditor: auditor,
		grace:   grace,
		logger:  logger,
	}
}

// Add registers a new task. The task id must be unused.
func (r *Registry) Add(task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, task.ID)
	}

	r.tasks[task.ID] = task
	r.afterMutation(task, "", task.Status, "")
	return nil
}

// FindByID returns a copy of the task with the given id.
func (r *Registry) FindByID(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// FindBySessionID returns a copy of the task bound to the given session.
func (r *Registry) FindBySessionID(sessionID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.SessionID == sessionID {
			return *t, true
		}
	}
	return Task{}, false
}

// Alive returns a snapshot of all running/paused tasks, ordered by creation.
func (r *Registry) Alive() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aliveLocked()
}

func (r *Registry) aliveLocked() []Task {
	var alive []Task
	for _, t := range r.tasks {
		if t.Status.IsAlive() {
			alive = append(alive, *t)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].CreatedAt.Before(alive[j].CreatedAt) })
	return alive
}

// Update applies fn to an existing task. Targeting a missing id is a
// programming error and fails loudly. Status changes must go through the
// dedicated transition methods; Update refuses them.
func (r *Registry) Update(id string, fn func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	before := t.Status
	fn(t)
	if t.Status != before {
		t.Status = before
		return Task{}, fmt.Errorf("status of task %s must be changed through transition methods", id)
	}

	r.afterMutation(t, before, t.Status, "")
	return *t, nil
}

// MarkRunning promotes a pending or paused task to running.
func (r *Registry) MarkRunning(id string, sessionID, userMessageID string, cancel context.CancelFunc) (Task, error) {
	return r.transition(id, StatusRunning, "", func(t *Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTaskTerminal, id)
		}
		if sessionID != "" {
			t.SessionID = sessionID
		}
		if userMessageID != "" {
			t.UserMessageID = userMessageID
		}
		if cancel != nil {
			t.cancel = cancel
		}
		t.LastActivity = time.Now()
		return nil
	})
}

// Pause moves a running/paused task to paused. Calling it on a terminal task
// is a programming error and raises.
func (r *Registry) Pause(id, reason string) (Task, error) {
	return r.transition(id, StatusPaused, reason, func(t *Task) error {
		if !t.Status.IsAlive() {
			return fmt.Errorf("%w: cannot pause task %s in state %s", ErrTaskTerminal, id, t.Status)
		}
		return nil
	})
}

// Complete moves a running/paused task to the completed terminal state.
func (r *Registry) Complete(id, reason string) (Task, error) {
	return r.transition(id, StatusCompleted, reason, func(t *Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("%w: cannot complete task %s in state %s", ErrTaskTerminal, id, t.Status)
		}
		return nil
	})
}

// Fail moves any non-terminal task to the failed terminal state and fires its
// cancellation token.
func (r *Registry) Fail(id, reason string) (Task, error) {
	return r.transition(id, StatusFailed, reason, func(t *Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("%w: cannot fail task %s in state %s", ErrTaskTerminal, id, t.Status)
		}
		return nil
	})
}

// AbortAll fails every alive task. Used on shutdown.
func (r *Registry) AbortAll(reason string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tasks))
	for id, t := range r.tasks {
		if t.Status.IsAlive() || t.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		if _, err := r.Fail(id, reason); err != nil {
			r.logger.Warn("abort-all skipped task", "task", id, "error", err)
		}
	}
}

// transition performs one validated state change under the lock.
func (r *Registry) transition(id string, to TaskStatus, reason string, check func(*Task) error) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if err := check(t); err != nil {
		return Task{}, err
	}

	from := t.Status
	t.Status = to
	if reason != "" {
		t.Reason = reason
	}
	if to.IsTerminal() {
		t.terminalAt = time.Now()
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}

	r.afterMutation(t, from, to, reason)
	return *t, nil
}

// afterMutation emits the full alive snapshot, mirrors the change into the
// audit store, and evicts expired terminal tasks. Called with r.mu held.
func (r *Registry) afterMutation(t *Task, from, to TaskStatus, reason string) {
	r.evictExpiredLocked()

	if r.bus != nil {
		r.bus.Publish(events.TopicTask, events.RegistryChangedEvent{
			Tasks:     snapshots(r.aliveLocked()),
			Timestamp: time.Now(),
		})
	}

	if r.auditor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.auditor.RecordTask(ctx, *t); err != nil {
			r.logger.Warn("audit store rejected task row", "task", t.ID, "error", err)
		}
		if from != to {
			if err := r.auditor.RecordTransition(ctx, t.ID, from, to, reason); err != nil {
				r.logger.Warn("audit store rejected transition", "task", t.ID, "error", err)
			}
		}
	}
}

// evictExpiredLocked drops terminal tasks past their retention grace period.
func (r *Registry) evictExpiredLocked() {
	cutoff := time.Now().Add(-r.grace)
	for id, t := range r.tasks {
		if t.Status.IsTerminal() && !t.terminalAt.IsZero() && t.terminalAt.Before(cutoff) {
			delete(r.tasks, id)
		}
	}
}

// snapshots converts tasks to their external event representation.
func snapshots(tasks []Task) []events.TaskSnapshot {
	out := make([]events.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, events.TaskSnapshot{
			ID:           t.ID,
			ProjectID:    t.ProjectID,
			SessionID:    t.SessionID,
			Status:       string(t.Status),
			AutoContinue: t.AutoContinue,
			LastActivity: t.LastActivity,
		})
	}
	return out
}
