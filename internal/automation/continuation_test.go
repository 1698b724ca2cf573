package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/events"
)

// fastRetry keeps backoff loops inside test timeouts.
func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      50 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

// startRecorder is an injectable StartFunc that records calls.
type startRecorder struct {
	mu    sync.Mutex
	calls []TaskConfig
	err   error
}

func (s *startRecorder) start(_ context.Context, cfg TaskConfig, prompt string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, cfg)
	if s.err != nil {
		return Task{}, s.err
	}
	return Task{ID: "fresh", SessionID: "fresh-session", Prompt: prompt, Status: StatusRunning}, nil
}

func (s *startRecorder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestContinuer(t *testing.T, start StartFunc) (*Continuer, *Registry, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	registry := NewRegistry(bus, nil, time.Hour, testLogger())
	launcher := NewLauncher(fastRetry(), testLogger())
	c := NewContinuer(context.Background(), registry, bus, launcher, start,
		10*time.Millisecond, 10*time.Millisecond, testLogger())
	t.Cleanup(c.Close)
	return c, registry, bus
}

func runningTask(t *testing.T, r *Registry, id string) Task {
	t.Helper()
	task := pendingTask(id)
	task.AutoContinue = true
	require.NoError(t, r.Add(task))
	got, err := r.MarkRunning(id, "sess-"+id, "", nil)
	require.NoError(t, err)
	return got
}

func TestContinuerCompletesOldAndStartsFresh(t *testing.T) {
	rec := &startRecorder{}
	c, registry, bus := newTestContinuer(t, rec.start)

	ch := bus.Subscribe(events.TopicAutomation, 16)
	task := runningTask(t, registry, "a")

	c.Schedule(task, "tracked work incomplete")

	require.Eventually(t, func() bool {
		got, ok := registry.FindByID("a")
		return ok && got.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond, "old task must be completed before the fresh start")

	require.Eventually(t, func() bool { return rec.callCount() == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	cfg := rec.calls[0]
	rec.mu.Unlock()
	assert.Empty(t, cfg.SessionID, "a continuation is a fresh session, never a resume")
	assert.Equal(t, task.WorkDir, cfg.WorkDir)
	assert.Equal(t, task.ProjectID, cfg.ProjectID)
	assert.True(t, cfg.AutoContinue)

	// The new identity is announced twice; collect until the first
	// continuation event arrives.
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-ch:
			if ce, ok := e.(events.ContinuationEvent); ok {
				assert.Equal(t, "a", ce.OldID)
				assert.Equal(t, "fresh", ce.NewID)
				assert.Equal(t, "fresh-session", ce.NewSessionID)
				return
			}
		case <-deadline:
			t.Fatal("no continuation event published")
		}
	}
}

func TestContinuerAnnouncesTwice(t *testing.T) {
	rec := &startRecorder{}
	c, registry, bus := newTestContinuer(t, rec.start)

	ch := bus.Subscribe(events.TopicAutomation, 16)
	task := runningTask(t, registry, "a")

	c.Schedule(task, "restart")

	count := 0
	deadline := time.After(time.Second)
	for count < 2 {
		select {
		case e := <-ch:
			if _, ok := e.(events.ContinuationEvent); ok {
				count++
			}
		case <-deadline:
			t.Fatalf("expected 2 continuation announcements, saw %d", count)
		}
	}
}

func TestContinuerCancelPreventsFiring(t *testing.T) {
	rec := &startRecorder{}
	c, registry, _ := newTestContinuer(t, rec.start)

	task := runningTask(t, registry, "a")
	c.Schedule(task, "restart")

	assert.True(t, c.Cancel("a"))
	assert.False(t, c.Cancel("a"), "second cancel finds nothing")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.callCount())

	got, _ := registry.FindByID("a")
	assert.Equal(t, StatusRunning, got.Status)
}

func TestContinuerAbortWinsRace(t *testing.T) {
	rec := &startRecorder{}
	c, registry, _ := newTestContinuer(t, rec.start)

	task := runningTask(t, registry, "a")
	c.Schedule(task, "restart")

	// Task goes terminal before the timer fires; the continuation must back
	// off instead of resurrecting it.
	_, err := registry.Fail("a", "aborted by user")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.callCount())

	got, _ := registry.FindByID("a")
	assert.Equal(t, StatusFailed, got.Status)
}

func TestContinuerRescheduleReplacesPrevious(t *testing.T) {
	rec := &startRecorder{}
	c, registry, _ := newTestContinuer(t, rec.start)

	task := runningTask(t, registry, "a")
	c.Schedule(task, "first")
	c.Schedule(task, "second")

	require.Eventually(t, func() bool { return rec.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.callCount(), "replaced schedule must not fire twice")
}

func TestContinuerStartFailureRequestsManualTakeover(t *testing.T) {
	rec := &startRecorder{err: errors.New("spawn refused")}
	c, registry, bus := newTestContinuer(t, rec.start)

	ch := bus.Subscribe(events.TopicAutomation, 16)
	task := runningTask(t, registry, "a")

	c.Schedule(task, "restart")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if me, ok := e.(events.ManualRequiredEvent); ok {
				assert.Equal(t, "a", me.ID)
				assert.Contains(t, me.Reason, "spawn refused")
				return
			}
		case <-deadline:
			t.Fatal("no manual-takeover event published")
		}
	}
}

func TestContinuerCloseStopsPending(t *testing.T) {
	rec := &startRecorder{}
	c, registry, _ := newTestContinuer(t, rec.start)

	task := runningTask(t, registry, "a")
	c.Schedule(task, "restart")
	c.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.callCount())

	// Scheduling after close is a no-op.
	c.Schedule(task, "again")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rec.callCount())
}
