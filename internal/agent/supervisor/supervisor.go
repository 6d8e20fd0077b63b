// Package supervisor spawns, monitors, and terminates one Agent CLI
// invocation per conversational turn.
//
// The CLI is exec'd directly (no shell) in its own process group. Stdout is
// collected as raw byte chunks and reassembled once at exit so multi-byte
// sequences split across pipe reads survive intact. A watchdog enforces an
// adaptive total budget while the process is silent and a shorter silence
// budget once it starts streaming.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	apperrors "github.com/agentgate/agentgate/internal/common/errors"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// Event types emitted while an invocation runs.
const (
	EventStarted     = "processStarted"
	EventLongRunning = "processLongRunning"
	EventStdout      = "processStdout"
	EventStderr      = "processStderr"
	EventExit        = "processExit"
	EventError       = "processError"
	EventHealth      = "processHealth"
	EventProgress    = "processProgress"
)

// Event is an observable process lifecycle notification. Events are emitted,
// never returned; the final outcome travels through Run's return values.
type Event struct {
	Type     string
	PID      int
	Bytes    int
	ExitCode int
	Message  string
	Health   *Health
	Elapsed  time.Duration
}

// Health is a periodic process metrics snapshot.
type Health struct {
	PID         int
	Uptime      time.Duration
	StdoutBytes int64
	StderrBytes int64
	Silence     time.Duration
	Streaming   bool
	Budget      time.Duration
}

// Spec describes one invocation.
type Spec struct {
	// BinPath is the resolved Agent CLI binary.
	BinPath string

	// Argv is the argument vector, already built and validated.
	Argv []string

	// WorkingDir is the directory the CLI runs in.
	WorkingDir string

	// Prompt is written to stdin after spawn; stdin is then closed.
	Prompt string

	// OneShot selects the fixed short budget instead of the adaptive one.
	OneShot bool

	// Budget overrides the computed timeout profile when non-zero.
	Budget Budget

	// Env entries appended to the inherited environment.
	Env []string
}

// Result is the reconciled outcome of one invocation.
type Result struct {
	InvocationID string
	PID          int
	ExitCode     int
	Stdout       []byte
	Stderr       string
	Duration     time.Duration
	TimedOut     bool
	Cancelled    bool
	Budget       Budget
}

// keep only the tail of stderr; it is attached to errors and logs
const maxStderrBytes = 64 * 1024

const watchdogTick = 100 * time.Millisecond

// Supervisor runs Agent CLI invocations.
type Supervisor struct {
	cfg *config.AgentConfig
	log *logger.Logger
}

// New creates a Supervisor.
func New(cfg *config.AgentConfig, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "supervisor")),
	}
}

// Run spawns the Agent CLI and blocks until it exits or the watchdog kills
// it. The emit callback receives lifecycle events as they happen; pass nil to
// ignore them. The returned Result is non-nil whenever the process actually
// ran, even when err is set, so callers can salvage partial stdout after a
// silence kill.
func (s *Supervisor) Run(ctx context.Context, spec Spec, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	budget := spec.Budget
	if budget.Total == 0 {
		budget = ComputeBudget(spec.Prompt, spec.OneShot, s.cfg.OneShotTimeoutDuration())
	}

	invocationID := uuid.New().String()
	log := s.log.WithFields(
		zap.String("invocation_id", invocationID),
		zap.String("working_dir", spec.WorkingDir),
		zap.Duration("budget", budget.Total),
	)

	cmd := exec.Command(spec.BinPath, spec.Argv...)
	cmd.Dir = spec.WorkingDir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.AgentError("failed to attach stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.AgentError("failed to attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.AgentError("failed to attach stderr", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		emit(Event{Type: EventError, Message: err.Error()})
		return nil, apperrors.AgentError("failed to start agent CLI", err)
	}

	pid := cmd.Process.Pid
	log.Info("agent process started", zap.Int("pid", pid))
	emit(Event{Type: EventStarted, PID: pid})
	if budget.LongRunning {
		// Acknowledge long invocations up front; the first progress tick is
		// minutes away.
		emit(Event{Type: EventLongRunning, PID: pid})
	}

	// Deliver the prompt on stdin, never argv. Closing stdin tells print-mode
	// CLIs the prompt is complete.
	go func() {
		if spec.Prompt != "" {
			_, _ = io.WriteString(stdin, spec.Prompt)
		}
		_ = stdin.Close()
	}()

	var (
		stdoutMu    sync.Mutex
		stdoutBuf   bytes.Buffer
		stderrMu    sync.Mutex
		stderrBuf   bytes.Buffer
		stdoutBytes atomic.Int64
		stderrBytes atomic.Int64
		lastOutput  atomic.Int64
	)
	lastOutput.Store(start.UnixNano())

	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				stdoutMu.Lock()
				stdoutBuf.Write(buf[:n])
				stdoutMu.Unlock()
				stdoutBytes.Add(int64(n))
				lastOutput.Store(time.Now().UnixNano())
				emit(Event{Type: EventStdout, PID: pid, Bytes: n})
			}
			if rerr != nil {
				return
			}
		}
	}()

	go func() {
		defer readers.Done()
		buf := make([]byte, 8*1024)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				stderrMu.Lock()
				stderrBuf.Write(buf[:n])
				if stderrBuf.Len() > maxStderrBytes {
					tail := stderrBuf.Bytes()[stderrBuf.Len()-maxStderrBytes:]
					trimmed := append([]byte(nil), tail...)
					stderrBuf.Reset()
					stderrBuf.Write(trimmed)
				}
				stderrMu.Unlock()
				stderrBytes.Add(int64(n))
				lastOutput.Store(time.Now().UnixNano())
				emit(Event{Type: EventStderr, PID: pid, Bytes: n})
			}
			if rerr != nil {
				return
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() {
		readers.Wait()
		waitDone <- cmd.Wait()
	}()

	var (
		timedOut  bool
		cancelled bool
		waitErr   error
	)

	healthInterval := s.cfg.HealthIntervalDuration()
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	progressInterval := s.cfg.ProgressIntervalDuration()
	if progressInterval <= 0 {
		progressInterval = 120 * time.Second
	}

	watchdog := time.NewTicker(watchdogTick)
	defer watchdog.Stop()

	var healthCh <-chan time.Time
	if !config.TimersDisabled() {
		healthTicker := time.NewTicker(healthInterval)
		defer healthTicker.Stop()
		healthCh = healthTicker.C
	}

	var progressCh <-chan time.Time
	if budget.LongRunning {
		progressTicker := time.NewTicker(progressInterval)
		defer progressTicker.Stop()
		progressCh = progressTicker.C
	}

monitor:
	for {
		select {
		case waitErr = <-waitDone:
			break monitor

		case <-ctx.Done():
			cancelled = true
			log.Info("invocation cancelled, terminating", zap.Int("pid", pid))
			s.terminate(cmd, pid)
			waitErr = <-waitDone
			break monitor

		case <-watchdog.C:
			streaming := stdoutBytes.Load()+stderrBytes.Load() > 0
			now := time.Now()
			if streaming {
				silence := now.Sub(time.Unix(0, lastOutput.Load()))
				if silence > budget.Silence {
					timedOut = true
					log.Warn("silence budget exceeded, terminating",
						zap.Int("pid", pid),
						zap.Duration("silence", silence),
						zap.Duration("silence_budget", budget.Silence))
					emit(Event{Type: EventError, PID: pid, Message: "silence budget exceeded"})
					s.terminate(cmd, pid)
					waitErr = <-waitDone
					break monitor
				}
			} else if elapsed := now.Sub(start); elapsed > budget.Total {
				timedOut = true
				log.Warn("total budget exceeded with no output, terminating",
					zap.Int("pid", pid),
					zap.Duration("elapsed", elapsed))
				emit(Event{Type: EventError, PID: pid, Message: "total budget exceeded"})
				s.terminate(cmd, pid)
				waitErr = <-waitDone
				break monitor
			}

		case <-healthCh:
			now := time.Now()
			emit(Event{Type: EventHealth, PID: pid, Health: &Health{
				PID:         pid,
				Uptime:      now.Sub(start),
				StdoutBytes: stdoutBytes.Load(),
				StderrBytes: stderrBytes.Load(),
				Silence:     now.Sub(time.Unix(0, lastOutput.Load())),
				Streaming:   stdoutBytes.Load()+stderrBytes.Load() > 0,
				Budget:      budget.Total,
			}})

		case <-progressCh:
			emit(Event{Type: EventProgress, PID: pid, Elapsed: time.Since(start)})
		}
	}

	duration := time.Since(start)
	exitCode := exitCodeOf(waitErr)
	emit(Event{Type: EventExit, PID: pid, ExitCode: exitCode})
	log.Info("agent process exited",
		zap.Int("pid", pid),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration),
		zap.Bool("timed_out", timedOut))

	stdoutMu.Lock()
	stdoutData := append([]byte(nil), stdoutBuf.Bytes()...)
	stdoutMu.Unlock()
	stderrMu.Lock()
	stderrText := stderrBuf.String()
	stderrMu.Unlock()

	res := &Result{
		InvocationID: invocationID,
		PID:          pid,
		ExitCode:     exitCode,
		Stdout:       stdoutData,
		Stderr:       stderrText,
		Duration:     duration,
		TimedOut:     timedOut,
		Cancelled:    cancelled,
		Budget:       budget,
	}

	switch {
	case cancelled:
		return res, apperrors.AgentError("agent invocation cancelled", ctx.Err())
	case timedOut && len(stdoutData) == 0:
		return res, apperrors.EmptyOutput()
	case timedOut:
		// Partial output survives a watchdog kill; the parser salvages it.
		return res, nil
	case exitCode != 0:
		return res, apperrors.AgentExitNonzero(exitCode, stderrText)
	case len(stdoutData) == 0:
		return res, apperrors.EmptyOutput()
	default:
		return res, nil
	}
}

// terminate sends SIGTERM to the process group, waits up to 2s, then SIGKILL.
func (s *Supervisor) terminate(cmd *exec.Cmd, pid int) {
	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	probe := time.NewTicker(50 * time.Millisecond)
	defer probe.Stop()

	for {
		select {
		case <-deadline.C:
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				_ = cmd.Process.Kill()
			}
			return
		case <-probe.C:
			// Signal 0 probes for liveness without delivering anything.
			if syscall.Kill(pid, syscall.Signal(0)) != nil {
				return
			}
		}
	}
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
