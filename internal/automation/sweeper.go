package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sweeper is a second-layer safety net for starvation: it force-continues or
// fails alive tasks whose activity timestamp stopped advancing even though
// the per-message loop never reached a terminal decision.
type Sweeper struct {
	registry  *Registry
	continuer *Continuer
	logger    *slog.Logger

	interval  time.Duration
	threshold time.Duration
	now       func() time.Time // test hook
}

// NewSweeper creates a sweeper. threshold should be longer than the state
// detector's idle threshold.
func NewSweeper(registry *Registry, continuer *Continuer, interval, threshold time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 3 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:  registry,
		continuer: continuer,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
	}
}

// Run executes the sweep loop until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep examines every alive task once. A task that went terminal between
// the snapshot and the action is a no-op, not an error: the sweep crosses an
// inherent race window and abort/complete wins it.
func (s *Sweeper) Sweep() {
	now := s.now()

	for _, task := range s.registry.Alive() {
		age := now.Sub(task.LastActivity)
		if age <= s.threshold {
			continue
		}

		if task.Prompt != "" {
			s.logger.Warn("stalled task, forcing continuation",
				"task", task.ID,
				"session", task.SessionID,
				"inactive_for", age)
			s.continuer.Schedule(task, "stalled: no activity for "+age.Round(time.Second).String())
			continue
		}

		s.logger.Warn("stalled task without original prompt, failing",
			"task", task.ID,
			"session", task.SessionID,
			"inactive_for", age)
		if _, err := s.registry.Fail(task.ID, "stalled: no activity for "+age.Round(time.Second).String()+" and no prompt to restart from"); err != nil {
			if errors.Is(err, ErrTaskTerminal) || errors.Is(err, ErrTaskNotFound) {
				continue // lost the race to a concurrent terminal transition
			}
			s.logger.Error("sweep failed to fail task", "task", task.ID, "error", err)
		}
	}
}
