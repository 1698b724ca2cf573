package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/claude"
	"taskpilot/internal/events"
)

// Options are the engine's policy and timing knobs.
type Options struct {
	IdleThreshold      time.Duration
	StallThreshold     time.Duration
	SweepInterval      time.Duration
	ContinuationDelay  time.Duration
	AnnounceRetryDelay time.Duration
	GraceRetention     time.Duration
	MonitorMaxRetries  int
	MaxConcurrentTasks int
	NoActivityPolicy   NoActivityPolicy
	ToolPrefix         string
	Retry              RetryConfig
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		IdleThreshold:      DefaultIdleThreshold,
		StallThreshold:     3 * time.Minute,
		SweepInterval:      30 * time.Second,
		ContinuationDelay:  2 * time.Second,
		AnnounceRetryDelay: 5 * time.Second,
		GraceRetention:     10 * time.Minute,
		MonitorMaxRetries:  3,
		MaxConcurrentTasks: 8,
		NoActivityPolicy:   PolicyRestart,
		ToolPrefix:         DefaultToolPrefix,
		Retry:              DefaultRetryConfig(),
	}
}

// Orchestrator is the top-level coordinator: it accepts start/continue/abort
// requests, drives per-task message-consumption loops, and applies the
// engine's decisions through the registry and continuation handler.
type Orchestrator struct {
	registry    *Registry
	source      claude.SessionSource
	transcripts claude.TranscriptReader
	detector    Detector
	extractor   *Extractor
	engine      Engine
	continuer   *Continuer
	bus         *events.Bus
	auditor     Auditor
	logger      *slog.Logger

	opts    Options
	baseCtx context.Context
	group   *errgroup.Group
}

// NewOrchestrator wires the engine together. ctx bounds every per-task loop
// and scheduled continuation; cancelling it shuts the engine down.
func NewOrchestrator(ctx context.Context, registry *Registry, source claude.SessionSource,
	transcripts claude.TranscriptReader, bus *events.Bus, auditor Auditor,
	opts Options, logger *slog.Logger) *Orchestrator {

	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 8
	}

	group := &errgroup.Group{}
	group.SetLimit(opts.MaxConcurrentTasks)

	o := &Orchestrator{
		registry:    registry,
		source:      source,
		transcripts: transcripts,
		detector:    NewDetector(opts.IdleThreshold),
		extractor:   NewExtractor(opts.ToolPrefix, logger),
		engine:      NewEngine(opts.NoActivityPolicy),
		bus:         bus,
		auditor:     auditor,
		logger:      logger,
		opts:        opts,
		baseCtx:     ctx,
		group:       group,
	}

	launcher := NewLauncher(opts.Retry, logger)
	o.continuer = NewContinuer(ctx, registry, bus, launcher, o.StartOrContinue,
		opts.ContinuationDelay, opts.AnnounceRetryDelay, logger)

	return o
}

// Continuer exposes the continuation handler for the sweeper.
func (o *Orchestrator) Continuer() *Continuer { return o.continuer }

// AliveTasks returns a read-only snapshot of running/paused tasks.
func (o *Orchestrator) AliveTasks() []Task { return o.registry.Alive() }

// StartOrContinue starts a new task or re-enters the loop of an existing
// alive one when cfg.SessionID names it. It resolves once the first confirmed
// message establishes (or re-establishes) a session.
func (o *Orchestrator) StartOrContinue(ctx context.Context, cfg TaskConfig, prompt string) (Task, error) {
	if cfg.SessionID != "" {
		if task, ok := o.registry.FindBySessionID(cfg.SessionID); ok {
			if !task.Status.IsAlive() {
				return Task{}, fmt.Errorf("%w: session %s is %s", ErrNoAliveTask, cfg.SessionID, task.Status)
			}
			// Follow-up message: same task identity, resumed session.
			return o.enterLoop(ctx, task, claude.SessionConfig{
				WorkDir:   task.WorkDir,
				ProjectID: task.ProjectID,
				Resume:    task.SessionID,
			}, prompt)
		}
	}

	task := Task{
		ID:                  uuid.New().String(),
		ProjectID:           cfg.ProjectID,
		WorkDir:             cfg.WorkDir,
		CompletionCondition: cfg.CompletionCondition,
		Prompt:              prompt,
		AutoContinue:        cfg.AutoContinue,
		Status:              StatusPending,
		CreatedAt:           time.Now(),
		LastActivity:        time.Now(),
	}

	return o.enterLoop(ctx, task, claude.SessionConfig{
		WorkDir:   cfg.WorkDir,
		ProjectID: cfg.ProjectID,
		Resume:    cfg.SessionID, // resume a known-but-unregistered session
	}, prompt)
}

// Abort cancels the stream of the alive task bound to sessionID and forces it
// to failed, regardless of any decision in flight. Raises ErrNoAliveTask when
// nothing alive matches.
func (o *Orchestrator) Abort(sessionID, reason string) error {
	task, ok := o.registry.FindBySessionID(sessionID)
	if !ok || task.Status.IsTerminal() {
		return fmt.Errorf("%w: session %s", ErrNoAliveTask, sessionID)
	}
	if reason == "" {
		reason = "aborted by user"
	}

	// A pending continuation for this task must not fire after the abort.
	o.continuer.Cancel(task.ID)

	if _, err := o.registry.Fail(task.ID, reason); err != nil {
		return fmt.Errorf("aborting task %s: %w", task.ID, err)
	}

	o.bus.Publish(events.TopicAutomation, events.CancelledEvent{
		ID:        task.ID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	o.logger.Info("task aborted", "task", task.ID, "session", sessionID, "reason", reason)
	return nil
}

// Close cancels pending continuations and waits for per-task loops to drain.
func (o *Orchestrator) Close() error {
	o.continuer.Close()
	return o.group.Wait()
}

// enterLoop spawns the agent stream for the task, registers it when new, and
// blocks the caller until the session is confirmed.
func (o *Orchestrator) enterLoop(ctx context.Context, task Task, scfg claude.SessionConfig, prompt string) (Task, error) {
	taskCtx, cancel := context.WithCancel(o.baseCtx)

	stream, err := o.source.Start(taskCtx, scfg, prompt)
	if err != nil {
		cancel()
		return Task{}, fmt.Errorf("failed to start agent session: %w", err)
	}

	isNew := false
	if _, ok := o.registry.FindByID(task.ID); !ok {
		t := task
		t.cancel = cancel
		if err := o.registry.Add(&t); err != nil {
			cancel()
			return Task{}, err
		}
		isNew = true
	}

	ready := make(chan result, 1)

	ok := o.group.TryGo(func() error {
		o.consume(task.ID, stream, cancel, ready)
		return nil
	})
	if !ok {
		cancel()
		if isNew {
			_, _ = o.registry.Fail(task.ID, "engine at concurrent task capacity")
		}
		return Task{}, fmt.Errorf("engine at capacity: %d concurrent tasks", o.opts.MaxConcurrentTasks)
	}

	select {
	case res := <-ready:
		if res.err != nil {
			return Task{}, res.err
		}
		return res.task, nil
	case <-ctx.Done():
		cancel()
		_, _ = o.registry.Fail(task.ID, "caller cancelled before session was established")
		return Task{}, ctx.Err()
	}
}

// result carries the confirmation outcome back to a blocked caller.
type result struct {
	task Task
	err  error
}

// consume drains one agent stream: every message refreshes the activity
// timestamp and runs state detection; only result messages trigger the
// extract-decide-apply step, and only once per stream run.
func (o *Orchestrator) consume(taskID string, stream <-chan claude.StreamMessage, cancel context.CancelFunc, ready chan<- result) {
	defer cancel()

	confirmed := false
	applied := false

	confirm := func(res result) {
		if !confirmed {
			confirmed = true
			ready <- res
		}
	}

	for msg := range stream {
		task, ok := o.registry.FindByID(taskID)
		if !ok {
			// Evicted mid-stream (abort + grace expiry); nothing to drive.
			confirm(result{err: fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)})
			return
		}
		if task.Status.IsTerminal() {
			// Abort wins over anything the stream still delivers.
			confirm(result{err: fmt.Errorf("%w: task %s is %s", ErrTaskTerminal, taskID, task.Status)})
			return
		}

		// Transport failure: the agent process itself died.
		if msg.Type == claude.MessageError && msg.Subtype == "process_exit" {
			o.failTask(taskID, msg.Content)
			confirm(result{err: errors.New(msg.Content)})
			return
		}

		// First message carrying a session identifier promotes the task and
		// unblocks the original caller.
		if msg.SessionID != "" && !confirmed {
			promoted, err := o.registry.MarkRunning(taskID, msg.SessionID, msg.MessageID, cancel)
			if err != nil {
				confirm(result{err: err})
				return
			}
			if o.auditor != nil {
				if err := o.auditor.RecordSession(o.baseCtx, promoted.ID, promoted.SessionID, promoted.ProjectID); err != nil {
					o.logger.Warn("audit store rejected session row", "task", promoted.ID, "error", err)
				}
			}
			o.bus.Publish(events.TopicAutomation, events.StartedEvent{
				ID:        promoted.ID,
				ProjectID: promoted.ProjectID,
				SessionID: promoted.SessionID,
				Timestamp: time.Now(),
			})
			confirm(result{task: promoted})
			task = promoted
		}

		lastActivity := task.LastActivity
		if updated, err := o.registry.Update(taskID, func(t *Task) {
			t.LastActivity = time.Now()
		}); err == nil {
			task = updated
		}

		// Liveness is re-evaluated on every message; a result message is the
		// stream's terminal marker, so it is classified as last.
		state := o.detector.Detect(msg, msg.Type == claude.MessageResult, lastActivity)

		if msg.Type == claude.MessageResult && !applied {
			applied = true
			o.decideAndApply(task, state)
		}
	}

	if !confirmed {
		err := fmt.Errorf("stream ended before a session was established for task %s", taskID)
		o.failTask(taskID, err.Error())
		confirm(result{err: err})
		return
	}

	// Stream ended without a result message: the agent is awaiting input.
	if !applied {
		if _, err := o.registry.Pause(taskID, "agent awaiting input"); err != nil &&
			!errors.Is(err, ErrTaskTerminal) && !errors.Is(err, ErrTaskNotFound) {
			o.logger.Error("failed to pause task at stream end", "task", taskID, "error", err)
		}
	}
}

// decideAndApply runs ProgressExtractor + DecisionEngine for one triggering
// event and applies the resulting action exactly once.
func (o *Orchestrator) decideAndApply(task Task, state AgentState) {
	_, status, reason, err := o.checkProgress(task)
	if err != nil {
		// Monitoring failure after retry exhaustion.
		o.failTask(task.ID, fmt.Sprintf("progress monitoring failed: %v", err))
		return
	}

	decision := o.engine.Decide(state, status, task.CanAutoContinue())
	if reason != "" && decision.Action == ActionPause {
		decision.Reason = reason
	}

	o.logger.Info("decision",
		"task", task.ID,
		"state", state,
		"workflow", status,
		"action", decision.Action,
		"reason", decision.Reason)

	if !decision.ShouldExecute {
		return
	}

	switch decision.Action {
	case ActionPause:
		if _, err := o.registry.Pause(task.ID, decision.Reason); err != nil &&
			!errors.Is(err, ErrTaskTerminal) && !errors.Is(err, ErrTaskNotFound) {
			o.logger.Error("pause failed", "task", task.ID, "error", err)
		}

	case ActionComplete:
		if _, err := o.registry.Complete(task.ID, decision.Reason); err != nil {
			if !errors.Is(err, ErrTaskTerminal) && !errors.Is(err, ErrTaskNotFound) {
				o.logger.Error("complete failed", "task", task.ID, "error", err)
			}
			return
		}
		o.bus.Publish(events.TopicAutomation, events.CompletedEvent{
			ID:        task.ID,
			Reason:    decision.Reason,
			Timestamp: time.Now(),
		})

	case ActionRestart:
		o.continuer.Schedule(task, decision.Reason)

	case ActionContinue:
		// No decision made; keep streaming.
	}
}

// checkProgress reads the transcript (with bounded retries) and extracts the
// latest progress summary. Structural payload errors downgrade to an unknown
// workflow status with an explanatory reason instead of failing the task.
func (o *Orchestrator) checkProgress(task Task) (*TaskProgress, WorkflowStatus, string, error) {
	transcript, err := retryRead(o.baseCtx, o.opts.MonitorMaxRetries, o.opts.Retry, func() ([]claude.StreamMessage, error) {
		return o.transcripts.Read(o.baseCtx, task.ProjectID, task.SessionID)
	})
	if err != nil {
		return nil, WorkflowUnknown, "", err
	}

	progress, err := o.extractor.Extract(transcript)
	if err != nil {
		var ce *ContractError
		if errors.As(err, &ce) {
			o.logger.Warn("tracker contract violation", "task", task.ID, "error", ce)
			return nil, WorkflowUnknown, ce.Error(), nil
		}
		// Invalid counts and similar validation failures are structural too.
		o.logger.Warn("progress validation failed", "task", task.ID, "error", err)
		return nil, WorkflowUnknown, err.Error(), nil
	}

	if progress == nil {
		return nil, WorkflowNoActivity, "", nil
	}

	progress.TaskID = task.ID
	if progress.SessionID == "" {
		progress.SessionID = task.SessionID
	}

	o.bus.Publish(events.TopicAutomation, events.ProgressEvent{
		ID:        task.ID,
		SessionID: progress.SessionID,
		Total:     progress.TotalTasks,
		Completed: progress.CompletedTasks,
		Timestamp: time.Now(),
	})
	if o.auditor != nil {
		if err := o.auditor.RecordProgress(o.baseCtx, task.ID, *progress); err != nil {
			o.logger.Warn("audit store rejected progress snapshot", "task", task.ID, "error", err)
		}
	}

	return progress, ProgressStatus(progress), "", nil
}

// failTask forces a task to failed and announces the error.
func (o *Orchestrator) failTask(taskID, reason string) {
	if _, err := o.registry.Fail(taskID, reason); err != nil {
		if !errors.Is(err, ErrTaskTerminal) && !errors.Is(err, ErrTaskNotFound) {
			o.logger.Error("fail transition rejected", "task", taskID, "error", err)
		}
		return
	}
	o.bus.Publish(events.TopicAutomation, events.ErrorEvent{
		ID:        taskID,
		Err:       reason,
		Timestamp: time.Now(),
	})
}
