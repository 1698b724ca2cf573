package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// SessionConfig describes how one agent session should be started.
type SessionConfig struct {
	WorkDir   string // working directory for the agent process
	ProjectID string
	Resume    string // resume an existing session id; empty starts fresh
	Model     string // optional model override
}

// SessionSource yields the ordered, asynchronous message stream of one agent
// session. The stream ends when the agent process exits or ctx is cancelled.
// The engine treats the stream as opaque and append-only.
type SessionSource interface {
	Start(ctx context.Context, cfg SessionConfig, prompt string) (<-chan StreamMessage, error)
}

// CLISource runs the agent CLI as a subprocess and decodes its stream-json
// output line by line.
type CLISource struct {
	command string
	model   string // default model override; SessionConfig.Model wins
	procMgr *ProcessManager
	logger  *slog.Logger
}

// NewCLISource creates a session source invoking the given CLI binary.
// The ProcessManager is optional; if nil, subprocesses are not tracked.
func NewCLISource(command, model string, pm *ProcessManager, logger *slog.Logger) *CLISource {
	if command == "" {
		command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLISource{command: command, model: model, procMgr: pm, logger: logger}
}

// Start launches one agent session and returns its message stream.
// Returned channel is closed when the subprocess exits; a transport failure
// is surfaced as a final error-typed message before the close.
func (s *CLISource) Start(ctx context.Context, cfg SessionConfig, prompt string) (<-chan StreamMessage, error) {
	args := s.buildArgs(cfg, prompt)

	cmd := newCommand(ctx, s.command, args...)
	cmd.Dir = cfg.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.command, err)
	}

	if s.procMgr != nil {
		s.procMgr.Track(cmd)
	}

	s.logger.Info("agent session started",
		"command", s.command,
		"pid", cmd.Process.Pid,
		"workdir", cfg.WorkDir,
		"resume", cfg.Resume != "")

	out := make(chan StreamMessage, 64)

	go func() {
		defer close(out)

		// Drain stderr concurrently so a chatty process can't deadlock on a
		// full pipe buffer before we call cmd.Wait().
		stderrDone := make(chan []byte, 1)
		go func() {
			var buf bytes.Buffer
			_, _ = io.Copy(&buf, stderr)
			stderrDone <- buf.Bytes()
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			msgs, err := DecodeLine(line)
			if err != nil {
				s.logger.Warn("skipping undecodable stream line", "error", err)
				continue
			}
			for _, m := range msgs {
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}

		stderrBytes := <-stderrDone
		waitErr := cmd.Wait()
		if s.procMgr != nil {
			s.procMgr.Untrack(cmd)
		}

		if scanErr := scanner.Err(); scanErr != nil && waitErr == nil {
			waitErr = scanErr
		}

		if waitErr != nil && ctx.Err() == nil {
			s.logger.Error("agent process failed",
				"error", waitErr,
				"stderr", string(stderrBytes))
			out <- StreamMessage{
				Type:      MessageError,
				Subtype:   "process_exit",
				Content:   fmt.Sprintf("agent process failed: %v (stderr: %s)", waitErr, string(stderrBytes)),
				IsError:   true,
				Timestamp: time.Now(),
			}
		}
	}()

	return out, nil
}

// buildArgs constructs the CLI arguments for one session. A fresh session
// passes the prompt directly; a continuation resumes the prior session id.
func (s *CLISource) buildArgs(cfg SessionConfig, prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}

	if cfg.Resume != "" {
		args = append(args, "--resume", cfg.Resume)
	}

	model := cfg.Model
	if model == "" {
		model = s.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	return args
}
