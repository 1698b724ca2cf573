package automation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"taskpilot/internal/events"
)

// StartFunc starts a brand-new task. The orchestrator injects its own
// StartOrContinue here, breaking the dependency cycle between continuation
// and orchestration.
type StartFunc func(ctx context.Context, cfg TaskConfig, prompt string) (Task, error)

// scheduledEntry is one pending continuation in the explicit scheduled-task
// queue. Entries are cancellable so an aborted task deterministically cancels
// its pending continuation instead of racing it.
type scheduledEntry struct {
	timer  *time.Timer
	reason string
}

// Continuer executes restart decisions: after a short delay (letting the
// outgoing session close cleanly) it completes the current task and starts a
// brand-new one carrying the original prompt forward. Continuation always
// means a fresh agent session with the same instructions, never resuming the
// old session id.
type Continuer struct {
	mu      sync.Mutex
	pending map[string]*scheduledEntry
	closed  bool

	delay         time.Duration
	announceRetry time.Duration

	registry *Registry
	bus      *events.Bus
	launcher *Launcher
	start    StartFunc
	logger   *slog.Logger

	// baseCtx bounds continuation launches; it outlives individual tasks.
	baseCtx context.Context
}

// NewContinuer creates a continuation handler.
func NewContinuer(ctx context.Context, registry *Registry, bus *events.Bus, launcher *Launcher,
	start StartFunc, delay, announceRetry time.Duration, logger *slog.Logger) *Continuer {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	if announceRetry <= 0 {
		announceRetry = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Continuer{
		pending:       make(map[string]*scheduledEntry),
		delay:         delay,
		announceRetry: announceRetry,
		registry:      registry,
		bus:           bus,
		launcher:      launcher,
		start:         start,
		logger:        logger,
		baseCtx:       ctx,
	}
}

// Schedule enqueues a continuation for the given task. A second schedule for
// the same task replaces the first. No-op when the handler is closed.
func (c *Continuer) Schedule(task Task, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if prev, ok := c.pending[task.ID]; ok {
		prev.timer.Stop()
	}

	entry := &scheduledEntry{reason: reason}
	entry.timer = time.AfterFunc(c.delay, func() {
		c.fire(task, reason)
	})
	c.pending[task.ID] = entry

	c.logger.Info("continuation scheduled",
		"task", task.ID, "delay", c.delay, "reason", reason)
}

// Cancel removes a pending continuation for the task, if any. Returns true
// when an entry was actually cancelled.
func (c *Continuer) Cancel(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pending[taskID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(c.pending, taskID)
	return true
}

// Close cancels every pending continuation.
func (c *Continuer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, entry := range c.pending {
		entry.timer.Stop()
		delete(c.pending, id)
	}
}

// fire runs one scheduled continuation.
func (c *Continuer) fire(task Task, reason string) {
	c.mu.Lock()
	delete(c.pending, task.ID)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	// Abort wins the race: a task that went terminal between scheduling and
	// firing is left alone.
	if _, err := c.registry.Complete(task.ID, reason); err != nil {
		if errors.Is(err, ErrTaskTerminal) || errors.Is(err, ErrTaskNotFound) {
			c.logger.Info("continuation superseded by terminal transition", "task", task.ID)
			return
		}
		c.logger.Error("failed to complete task before continuation", "task", task.ID, "error", err)
		return
	}

	cfg := TaskConfig{
		WorkDir:             task.WorkDir,
		ProjectID:           task.ProjectID,
		CompletionCondition: task.CompletionCondition,
		AutoContinue:        task.AutoContinue,
		// SessionID deliberately left empty: a fresh session, not a resume.
	}

	newTask, err := c.launcher.Launch(c.baseCtx, func() (Task, error) {
		return c.start(c.baseCtx, cfg, task.Prompt)
	})
	if err != nil {
		c.logger.Error("continuation failed to start a fresh session",
			"task", task.ID, "error", err)
		c.bus.Publish(events.TopicAutomation, events.ManualRequiredEvent{
			ID:        task.ID,
			Reason:    "automatic continuation failed: " + err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	c.logger.Info("continuation started fresh session",
		"old_task", task.ID, "new_task", newTask.ID, "new_session", newTask.SessionID)

	announce := func() {
		c.bus.Publish(events.TopicAutomation, events.ContinuationEvent{
			OldID:        task.ID,
			NewID:        newTask.ID,
			NewSessionID: newTask.SessionID,
			Timestamp:    time.Now(),
		})
	}
	announce()

	// Secondary fallback announcement: the first may have been dropped by a
	// listener that was disconnected at the time.
	time.AfterFunc(c.announceRetry, announce)
}
