package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/agent/streamparser"
	"github.com/agentgate/agentgate/internal/agent/supervisor"
	"github.com/agentgate/agentgate/internal/aggregator"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/permission"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// writeAgentScript creates a stand-in CLI that swallows stdin and prints the
// given stream-json lines.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/sh\ncat >/dev/null\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func emitLines(lines ...string) string {
	return "cat <<'EOF'\n" + strings.Join(lines, "\n") + "\nEOF\n"
}

type testHarness struct {
	svc      *Service
	sessions *session.Manager
	queue    *queue.DeliveryQueue
	perm     *permission.Coordinator
	cfg      *config.Config
}

func newHarness(t *testing.T, cliPath string) *testHarness {
	t.Helper()
	t.Setenv("AGENTGATE_ENV", "test")

	cfg := &config.Config{
		Agent: config.AgentConfig{
			CLIPath:          cliPath,
			CLIName:          "claude",
			WorkspaceRoot:    t.TempDir(),
			OneShotTimeout:   30,
			ProgressInterval: 120,
			HealthInterval:   30,
		},
		Session: config.SessionConfig{MaxSessions: 10, Timeout: 24 * 3600, WarningWindow: 4 * 3600},
		Queue:   config.QueueConfig{TTL: 3600, MaxPerSession: 100},
	}

	log := logger.Default()
	dq := queue.New(&cfg.Queue, nil, log)
	perm := permission.NewCoordinator(log)
	agg := aggregator.New(perm, log)
	sup := supervisor.New(&cfg.Agent, log)
	sessions := session.NewManager(&cfg.Session, cfg.Agent.WorkspaceRoot, dq, nil, log)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	svc := New(cfg, sessions, dq, perm, agg, sup, nil, memBus, log)
	return &testHarness{svc: svc, sessions: sessions, queue: dq, perm: perm, cfg: cfg}
}

func (h *testHarness) startSession(t *testing.T) *session.Session {
	t.Helper()
	sess, _, err := h.sessions.CreateSession("", h.cfg.Agent.WorkspaceRoot, nil)
	require.NoError(t, err)
	return sess
}

// drain replays everything queued for the session.
func (h *testHarness) drain(t *testing.T, sessionID string) []*protocol.Message {
	t.Helper()
	var out []*protocol.Message
	h.queue.DeliverQueued(sessionID, "test-client", func(m *protocol.Message) error {
		out = append(out, m)
		return nil
	})
	return out
}

func eventTypes(msgs []*protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestRunTurnAggregatesAndQueues(t *testing.T) {
	cli := writeAgentScript(t, emitLines(
		`{"type":"system","subtype":"init","session_id":"ext-1","model":"test-model","cwd":"/tmp"}`,
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"Hello"}]}}`,
		`{"type":"assistant","message":{"id":"m2","content":[{"type":"text","text":"world"}]}}`,
		`{"type":"result","result":"","is_error":false,"duration_ms":10}`,
	))
	h := newHarness(t, cli)
	sess := h.startSession(t)

	h.svc.runTurn(context.Background(), sess.ID, "say hello")

	msgs := h.drain(t, sess.ID)
	types := eventTypes(msgs)
	require.Contains(t, types, protocol.TypeAssistantMessage)
	require.Contains(t, types, protocol.TypeConversationResult)
	require.Contains(t, types, protocol.TypeSystemInit)

	var final protocol.AssistantMessageData
	for _, m := range msgs {
		if m.Type == protocol.TypeAssistantMessage {
			require.NoError(t, m.ParseData(&final))
		}
	}
	assert.True(t, final.Final)
	assert.Equal(t, "Hello\n\nworld", final.Content[0].Text)
	assert.Equal(t, 2, final.MessageCount)

	// Final precedes the conversation result.
	finalIdx, resultIdx := -1, -1
	for i, typ := range types {
		switch typ {
		case protocol.TypeAssistantMessage:
			finalIdx = i
		case protocol.TypeConversationResult:
			resultIdx = i
		}
	}
	assert.Less(t, finalIdx, resultIdx)

	got, ok := h.sessions.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "ext-1", got.AgentSessionID)
	assert.Equal(t, sess.ID, h.sessions.ResolveSessionID("ext-1"))
}

func TestRunTurnPermissionCycleApproved(t *testing.T) {
	cli := writeAgentScript(t, emitLines(
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"Would you like me to create the file? (y/n)"}]}}`,
		`{"type":"result","result":"","is_error":false,"duration_ms":10}`,
	))
	h := newHarness(t, cli)
	sess := h.startSession(t)

	h.svc.runTurn(context.Background(), sess.ID, "create a file")

	msgs := h.drain(t, sess.ID)
	types := eventTypes(msgs)
	require.Contains(t, types, protocol.TypePermissionRequest)
	assert.NotContains(t, types, protocol.TypeConversationResult)
	require.True(t, h.perm.Awaiting(sess.ID))

	var permReq protocol.PermissionRequestData
	for _, m := range msgs {
		if m.Type == protocol.TypePermissionRequest {
			require.NoError(t, m.ParseData(&permReq))
		}
	}
	assert.Equal(t, "Would you like me to create the file?", permReq.Prompt)
	assert.Equal(t, []string{"y", "n"}, permReq.Options)

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	h.queue.Acknowledge(ids, "test-client")

	accepted := h.svc.resolvePermission(context.Background(), sess.ID, "yes")
	assert.True(t, accepted)
	assert.False(t, h.perm.Awaiting(sess.ID))

	msgs = h.drain(t, sess.ID)
	types = eventTypes(msgs)
	assert.Equal(t, []string{protocol.TypeAssistantMessage, protocol.TypeConversationResult}, types)
}

func TestRunTurnLongRunningAck(t *testing.T) {
	cli := writeAgentScript(t, emitLines(
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"Starting the audit."}]}}`,
		`{"type":"result","result":"","is_error":false,"duration_ms":10}`,
	))
	h := newHarness(t, cli)
	sess := h.startSession(t)

	h.svc.runTurn(context.Background(), sess.ID, "comprehensive review of the entire project")

	msgs := h.drain(t, sess.ID)
	types := eventTypes(msgs)
	require.Contains(t, types, protocol.TypeStreamChunk)

	var chunk protocol.StreamChunkData
	for _, m := range msgs {
		if m.Type == protocol.TypeStreamChunk {
			require.NoError(t, m.ParseData(&chunk))
			break
		}
	}
	assert.Equal(t, "long_running_started", chunk.Subtype)

	// The acknowledgement precedes the turn's final events.
	chunkIdx, finalIdx := -1, -1
	for i, typ := range types {
		switch typ {
		case protocol.TypeStreamChunk:
			if chunkIdx == -1 {
				chunkIdx = i
			}
		case protocol.TypeAssistantMessage:
			finalIdx = i
		}
	}
	assert.Less(t, chunkIdx, finalIdx)
}

func TestResolvePermissionDenied(t *testing.T) {
	cli := writeAgentScript(t, emitLines(
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"Should I delete the directory? (y/n)"}]}}`,
		`{"type":"result","result":"","is_error":false,"duration_ms":10}`,
	))
	h := newHarness(t, cli)
	sess := h.startSession(t)

	h.svc.runTurn(context.Background(), sess.ID, "clean up")
	ids := make([]string, 0)
	for _, m := range h.drain(t, sess.ID) {
		ids = append(ids, m.ID)
	}
	h.queue.Acknowledge(ids, "test-client")

	accepted := h.svc.resolvePermission(context.Background(), sess.ID, "no")
	assert.False(t, accepted)

	msgs := h.drain(t, sess.ID)
	require.Len(t, msgs, 2)
	var final protocol.AssistantMessageData
	require.NoError(t, msgs[0].ParseData(&final))
	assert.Equal(t, aggregator.DenialText, final.Content[0].Text)

	var result protocol.ConversationResultData
	require.NoError(t, msgs[1].ParseData(&result))
	assert.False(t, result.Success)
}

func TestRunTurnNonzeroExit(t *testing.T) {
	cli := writeAgentScript(t, "echo boom >&2\nexit 3\n")
	h := newHarness(t, cli)
	sess := h.startSession(t)

	h.svc.runTurn(context.Background(), sess.ID, "hi")

	msgs := h.drain(t, sess.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeStreamError, msgs[0].Type)

	var data protocol.StreamErrorData
	require.NoError(t, msgs[0].ParseData(&data))
	assert.Equal(t, "AGENT_EXIT_NONZERO", data.Code)
}

func TestRunTurnSalvagesGluedObjects(t *testing.T) {
	cli := writeAgentScript(t, emitLines(
		`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"part one"}]}}{"type":"result","result":"done","is_error":false,"duration_ms":5}`,
	))
	h := newHarness(t, cli)
	sess := h.startSession(t)

	h.svc.runTurn(context.Background(), sess.ID, "hi")

	types := eventTypes(h.drain(t, sess.ID))
	assert.Contains(t, types, protocol.TypeAssistantMessage)
	assert.Contains(t, types, protocol.TypeConversationResult)
	assert.Contains(t, types, protocol.TypeStreamError)
}

func TestValidateWorkingDirectory(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "project")
	require.NoError(t, os.Mkdir(sub, 0o755))
	file := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	cases := []struct {
		name string
		path string
		code string
	}{
		{"valid subdirectory", sub, ""},
		{"workspace root itself", root, ""},
		{"relative path", "project", "INVALID_PATH"},
		{"dotdot traversal", root + "/../other", "INVALID_PATH"},
		{"tilde", root + "/~user", "INVALID_PATH"},
		{"empty", "", "INVALID_PATH"},
		{"system path", "/etc/passwd", "FORBIDDEN_PATH"},
		{"proc", "/proc/self", "FORBIDDEN_PATH"},
		{"outside root", "/tmp", "FORBIDDEN_PATH"},
		{"missing directory", filepath.Join(root, "nope"), "DIRECTORY_NOT_FOUND"},
		{"plain file", file, "NOT_A_DIRECTORY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateWorkingDirectory(root, tc.path)
			if tc.code == "" {
				require.NoError(t, err)
				assert.Equal(t, filepath.Clean(tc.path), got)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.code)
		})
	}
}

func TestProfileFromOptions(t *testing.T) {
	profile := profileFromOptions(map[string]any{
		"mode":            "plan",
		"allowedTools":    []any{"Read", "Grep"},
		"skipPermissions": false,
	})
	assert.Equal(t, "plan", profile.Mode)
	assert.Equal(t, []string{"Read", "Grep"}, profile.AllowedTools)
	assert.False(t, profile.SkipPermissions)

	assert.Equal(t, "", profileFromOptions(nil).Mode)
}

func TestAskResponseFromResultRecord(t *testing.T) {
	blob := []byte(`{"type":"result","result":"4","is_error":false,"duration_ms":50}` + "\n")
	parsed, err := streamparser.Parse(blob, logger.Default())
	require.NoError(t, err)

	resp := askResponseFrom(parsed)
	assert.True(t, resp.Success)
	assert.Equal(t, "4", resp.Response["result"])
}

func TestAskResponseFromAssistantFallback(t *testing.T) {
	blob := []byte(`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"answer"}]}}` + "\n")
	parsed, err := streamparser.Parse(blob, logger.Default())
	require.NoError(t, err)

	resp := askResponseFrom(parsed)
	assert.True(t, resp.Success)
	assert.Equal(t, "answer", resp.Response["result"])
}
