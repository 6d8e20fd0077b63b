package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/config"
	apperrors "github.com/agentgate/agentgate/internal/common/errors"
)

func testSupervisor() *Supervisor {
	return New(&config.AgentConfig{
		OneShotTimeout:   30,
		ProgressInterval: 120,
		HealthInterval:   30,
	}, nil)
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func shSpec(script string) Spec {
	return Spec{BinPath: "/bin/sh", Argv: []string{"-c", script}}
}

func indexOf(types []string, want string) int {
	for i, typ := range types {
		if typ == want {
			return i
		}
	}
	return -1
}

func TestRunCollectsStdout(t *testing.T) {
	var ec eventCollector
	res, err := testSupervisor().Run(context.Background(),
		shSpec(`printf '{"type":"result","result":"ok"}\n'`), ec.emit)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stdout), `"type":"result"`)
	assert.False(t, res.TimedOut)
	assert.Greater(t, res.PID, 0)

	types := ec.types()
	assert.Contains(t, types, EventStarted)
	assert.Contains(t, types, EventStdout)
	assert.Contains(t, types, EventExit)
	assert.NotContains(t, types, EventLongRunning)
}

func TestRunEmitsLongRunningNotice(t *testing.T) {
	spec := shSpec(`printf '{"type":"result","result":"ok"}\n'`)
	spec.Budget = Budget{Total: 400 * time.Second, Silence: 60 * time.Second, LongRunning: true}

	var ec eventCollector
	_, err := testSupervisor().Run(context.Background(), spec, ec.emit)
	require.NoError(t, err)

	types := ec.types()
	require.Contains(t, types, EventLongRunning)
	// The notice arrives at spawn, not at the first progress tick.
	assert.Less(t, indexOf(types, EventLongRunning), indexOf(types, EventStdout))
}

func TestRunWritesPromptToStdin(t *testing.T) {
	spec := shSpec("cat")
	spec.Prompt = "hello from stdin"

	res, err := testSupervisor().Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello from stdin", string(res.Stdout))
}

func TestRunNonzeroExit(t *testing.T) {
	res, err := testSupervisor().Run(context.Background(),
		shSpec(`echo oops >&2; exit 3`), nil)
	require.Error(t, err)

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAgentExitNonzero))
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, 3, appErr.Details["exit_code"])
	assert.Contains(t, appErr.Details["stderr"], "oops")

	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunEmptyOutput(t *testing.T) {
	_, err := testSupervisor().Run(context.Background(), shSpec("exit 0"), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEmptyOutput))
}

func TestRunSilenceKillSalvagesPartialOutput(t *testing.T) {
	spec := shSpec(`printf '{"partial":true}\n'; sleep 30`)
	spec.Budget = Budget{Total: 5 * time.Second, Silence: 300 * time.Millisecond}

	start := time.Now()
	res, err := testSupervisor().Run(context.Background(), spec, nil)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Contains(t, string(res.Stdout), `"partial":true`)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunInitialBudgetKillWithNoOutput(t *testing.T) {
	spec := shSpec("sleep 30")
	spec.Budget = Budget{Total: 300 * time.Millisecond, Silence: 300 * time.Millisecond}

	res, err := testSupervisor().Run(context.Background(), spec, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEmptyOutput))
	assert.True(t, res.TimedOut)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := testSupervisor().Run(ctx, shSpec("sleep 30"), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAgent))
	assert.True(t, res.Cancelled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunKillsProcessThatIgnoresTerm(t *testing.T) {
	spec := shSpec(`trap '' TERM; printf '{"stubborn":true}\n'; while :; do sleep 0.2; done`)
	spec.Budget = Budget{Total: 5 * time.Second, Silence: 300 * time.Millisecond}

	start := time.Now()
	res, err := testSupervisor().Run(context.Background(), spec, nil)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Contains(t, string(res.Stdout), `"stubborn":true`)
	// SIGTERM is ignored, so only the SIGKILL escalation after the 2s grace
	// can end the run.
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestHealthTickerSuppressedInTestEnv(t *testing.T) {
	t.Setenv("AGENTGATE_ENV", "test")

	sup := New(&config.AgentConfig{OneShotTimeout: 30, ProgressInterval: 120, HealthInterval: 1}, nil)
	spec := shSpec(`printf '{"ok":1}\n'; sleep 1.3`)
	spec.Budget = Budget{Total: 10 * time.Second, Silence: 5 * time.Second}

	var ec eventCollector
	_, err := sup.Run(context.Background(), spec, ec.emit)
	require.NoError(t, err)
	assert.NotContains(t, ec.types(), EventHealth)
}

func TestHealthTickerEmitsWhenTimersEnabled(t *testing.T) {
	t.Setenv("AGENTGATE_ENV", "")

	sup := New(&config.AgentConfig{OneShotTimeout: 30, ProgressInterval: 120, HealthInterval: 1}, nil)
	spec := shSpec(`printf '{"ok":1}\n'; sleep 1.3`)
	spec.Budget = Budget{Total: 10 * time.Second, Silence: 5 * time.Second}

	var ec eventCollector
	_, err := sup.Run(context.Background(), spec, ec.emit)
	require.NoError(t, err)
	assert.Contains(t, ec.types(), EventHealth)
}

func TestRunStderrAttachedToResult(t *testing.T) {
	res, err := testSupervisor().Run(context.Background(),
		shSpec(`echo progress >&2; printf '{"ok":1}\n'`), nil)
	require.NoError(t, err)
	assert.Contains(t, res.Stderr, "progress")
}
