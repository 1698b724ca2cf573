package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/automation"
	"taskpilot/internal/claude"
	"taskpilot/internal/config"
	"taskpilot/internal/events"
	"taskpilot/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Start a task and drive its agent session until a terminal decision",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("prompt", "", "Prompt for the agent (alternative to the positional argument)")
	runCmd.Flags().String("cwd", "", "Working directory for the agent (default: current directory)")
	runCmd.Flags().String("project", "", "Project identifier (default: base name of cwd)")
	runCmd.Flags().String("session", "", "Continue an existing session id")
	runCmd.Flags().Bool("auto-continue", false, "Restart automatically while tracked work is incomplete")
	runCmd.Flags().String("completion-condition", "", `How completion is judged: "external-tracker" or "manual"`)
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	if prompt == "" && len(args) > 0 {
		prompt = args[0]
	}
	if prompt == "" {
		return fmt.Errorf("a prompt is required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd)

	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
	}
	project, _ := cmd.Flags().GetString("project")
	if project == "" {
		project = filepath.Base(cwd)
	}
	sessionID, _ := cmd.Flags().GetString("session")
	autoContinue, _ := cmd.Flags().GetBool("auto-continue")
	completionCondition, _ := cmd.Flags().GetString("completion-condition")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := claude.NewProcessManager()
	go func() {
		<-ctx.Done()
		if err := pm.KillAll(); err != nil {
			logger.Warn("failed to kill tracked subprocesses", "error", err)
		}
	}()

	bus := events.NewBus()
	defer bus.Close()

	var auditor automation.Auditor
	var auditStore *store.SQLiteStore
	if cfg.Store.Path != "" {
		auditStore, err = store.NewSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		defer auditStore.Close()
		auditor = auditStore
	}

	source := claude.NewCLISource(cfg.Agent.Command, cfg.Agent.Model, pm, logger)
	transcripts, err := claude.NewFileTranscriptReader(cfg.Agent.TranscriptRoot, cfg.Agent.CacheSize, logger)
	if err != nil {
		return fmt.Errorf("creating transcript reader: %w", err)
	}

	opts := engineOptions(cfg)
	registry := automation.NewRegistry(bus, auditor, opts.GraceRetention, logger)
	orch := automation.NewOrchestrator(ctx, registry, source, transcripts, bus, auditor, opts, logger)
	sweeper := automation.NewSweeper(registry, orch.Continuer(), opts.SweepInterval, opts.StallThreshold, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	allEvents := bus.SubscribeAll(256)
	g.Go(func() error {
		printEvents(allEvents)
		return nil
	})

	task, err := orch.StartOrContinue(ctx, automation.TaskConfig{
		WorkDir:             cwd,
		ProjectID:           project,
		SessionID:           sessionID,
		CompletionCondition: automation.CompletionCondition(completionCondition),
		AutoContinue:        autoContinue,
	}, prompt)
	if err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("starting task: %w", err)
	}

	fmt.Printf("task %s started (session %s)\n", task.ID, task.SessionID)

	waitUntilQuiet(ctx, registry, opts.ContinuationDelay, logger)

	stop()
	registry.AbortAll("engine shutting down")
	if err := orch.Close(); err != nil {
		logger.Warn("orchestrator shutdown", "error", err)
	}
	bus.Close()
	return g.Wait()
}

// waitUntilQuiet blocks until the engine has no alive tasks and enough time
// has passed that no scheduled continuation can still revive one.
func waitUntilQuiet(ctx context.Context, registry *automation.Registry, continuationDelay time.Duration, logger *slog.Logger) {
	settle := continuationDelay + 3*time.Second
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var quietSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(registry.Alive()) > 0 {
				quietSince = time.Time{}
				continue
			}
			if quietSince.IsZero() {
				quietSince = time.Now()
				continue
			}
			if time.Since(quietSince) >= settle {
				logger.Info("no alive tasks remain, shutting down")
				return
			}
		}
	}
}

// printEvents renders bus events for the terminal until the bus closes.
func printEvents(ch <-chan events.Event) {
	for e := range ch {
		switch ev := e.(type) {
		case events.StartedEvent:
			fmt.Printf("[%s] session %s confirmed for task %s\n", e.EventType(), ev.SessionID, ev.ID)
		case events.ProgressEvent:
			fmt.Printf("[%s] task %s: %d/%d\n", e.EventType(), ev.ID, ev.Completed, ev.Total)
		case events.CompletedEvent:
			fmt.Printf("[%s] task %s: %s\n", e.EventType(), ev.ID, ev.Reason)
		case events.CancelledEvent:
			fmt.Printf("[%s] task %s: %s\n", e.EventType(), ev.ID, ev.Reason)
		case events.ErrorEvent:
			fmt.Printf("[%s] task %s: %s\n", e.EventType(), ev.ID, ev.Err)
		case events.ContinuationEvent:
			fmt.Printf("[%s] task %s continued as %s (session %s)\n", e.EventType(), ev.OldID, ev.NewID, ev.NewSessionID)
		case events.ManualRequiredEvent:
			fmt.Printf("[%s] task %s: %s\n", e.EventType(), ev.ID, ev.Reason)
		case events.RegistryChangedEvent:
			// High-volume snapshot event; not useful on a terminal.
		default:
			fmt.Printf("[%s]\n", e.EventType())
		}
	}
}

// loadConfig loads layered config, honoring the --config override as the
// highest-precedence project file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	override, _ := cmd.Flags().GetString("config")
	if override == "" {
		return config.LoadDefault()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	globalPath := filepath.Join(homeDir, ".taskpilot", "config.json")
	return config.Load(globalPath, override)
}

// newLogger builds the process logger.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// engineOptions converts file configuration into engine options.
func engineOptions(cfg *config.Config) automation.Options {
	opts := automation.DefaultOptions()
	opts.IdleThreshold = cfg.Engine.IdleThreshold.Std()
	opts.StallThreshold = cfg.Engine.StallThreshold.Std()
	opts.SweepInterval = cfg.Engine.SweepInterval.Std()
	opts.ContinuationDelay = cfg.Engine.ContinuationDelay.Std()
	opts.AnnounceRetryDelay = cfg.Engine.AnnounceRetryDelay.Std()
	opts.GraceRetention = cfg.Engine.GraceRetention.Std()
	opts.MonitorMaxRetries = cfg.Engine.MonitorMaxRetries
	opts.MaxConcurrentTasks = cfg.Engine.MaxConcurrentTasks
	opts.NoActivityPolicy = automation.NoActivityPolicy(cfg.Engine.NoActivityPolicy)
	opts.ToolPrefix = cfg.Agent.ToolPrefix
	return opts
}
