package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior for session
// launches and transcript reads.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackOff builds the backoff policy for one operation, bound to ctx.
func (c RetryConfig) newBackOff(ctx context.Context) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.InitialInterval
	policy.MaxInterval = c.MaxInterval
	policy.MaxElapsedTime = c.MaxElapsedTime
	policy.Multiplier = c.Multiplier
	policy.RandomizationFactor = c.RandomizationFactor
	return backoff.WithContext(policy, ctx)
}

// Launcher guards agent session launches with a circuit breaker and retries.
// Repeated spawn failures (missing binary, broken environment) trip the
// breaker so continuations stop hammering a dead CLI.
type Launcher struct {
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	logger  *slog.Logger
}

// NewLauncher creates a launcher. Breaker settings: trip after 5 consecutive
// failures, stay open 30s, allow 3 half-open probes.
func NewLauncher(retry RetryConfig, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent-launch",
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a launch failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &Launcher{breaker: cb, retry: retry, logger: logger}
}

// Launch runs start through the breaker with exponential backoff retry.
func (l *Launcher) Launch(ctx context.Context, start func() (Task, error)) (Task, error) {
	var task Task

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := l.breaker.Execute(func() (interface{}, error) {
			return start()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		task = result.(Task)
		return nil
	}

	err := backoff.Retry(operation, l.retry.newBackOff(ctx))
	return task, err
}

// retryRead retries a read-only monitoring operation up to maxRetries
// additional attempts with exponential backoff. Used for transcript reads
// that fail for reasons unrelated to the payload itself.
func retryRead[T any](ctx context.Context, maxRetries int, retry RetryConfig, op func() (T, error)) (T, error) {
	var out T
	attempts := 0

	wrapped := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++
		var err error
		out, err = op()
		if err != nil && attempts > maxRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(wrapped, retry.newBackOff(ctx))
	return out, err
}
