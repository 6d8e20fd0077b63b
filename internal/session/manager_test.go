package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/config"
	apperrors "github.com/agentgate/agentgate/internal/common/errors"
	"github.com/agentgate/agentgate/pkg/protocol"
)

type lifecycleRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *lifecycleRecorder) emit(eventType, sessionID string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType+":"+sessionID)
}

func (r *lifecycleRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type staticQueue struct{ queued map[string]bool }

func (q *staticQueue) HasQueued(id string) bool { return q.queued[id] }

func testManager(rec *lifecycleRecorder, queue QueueChecker) *Manager {
	cfg := &config.SessionConfig{MaxSessions: 3, Timeout: 24 * 3600, WarningWindow: 4 * 3600}
	var emit EventFunc
	if rec != nil {
		emit = rec.emit
	}
	return NewManager(cfg, "/workspace", queue, emit, nil)
}

func TestCreateSessionNew(t *testing.T) {
	m := testManager(nil, nil)
	s, reused, err := m.CreateSession("", "/repo/a", nil)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "/repo/a", s.WorkingDirectory)
	assert.Equal(t, 1, m.Count())
}

func TestCreateSessionReusesByWorkingDirectory(t *testing.T) {
	m := testManager(nil, nil)
	first, _, err := m.CreateSession("", "/repo/a", nil)
	require.NoError(t, err)

	second, reused, err := m.CreateSession("", "/repo/a", nil)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.ConversationStarted)
	assert.Equal(t, 1, m.Count())
}

func TestCreateSessionReusesByID(t *testing.T) {
	m := testManager(nil, nil)
	first, _, err := m.CreateSession("my-session", "/repo/a", nil)
	require.NoError(t, err)

	second, reused, err := m.CreateSession("my-session", "/repo/b", nil)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)
}

func TestWorkspaceModeDisablesReuse(t *testing.T) {
	m := testManager(nil, nil)
	first, _, err := m.CreateSession("", WorkspaceDirectory, nil)
	require.NoError(t, err)
	assert.Equal(t, "/workspace", first.WorkingDirectory)

	second, reused, err := m.CreateSession("", WorkspaceDirectory, nil)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateSessionMaxLimit(t *testing.T) {
	m := testManager(nil, nil)
	for i, dir := range []string{"/a", "/b", "/c"} {
		_, _, err := m.CreateSession("", dir, nil)
		require.NoError(t, err, "session %d", i)
	}

	_, _, err := m.CreateSession("", "/d", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionError))
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "abc-DEF_123", SanitizeID("abc-DEF_123"))
	assert.Equal(t, "abcdef", SanitizeID("abc/../def"))
	assert.Len(t, SanitizeID(strings.Repeat("x", 100)), 64)
	// fully invalid input falls back to a generated id
	assert.NotEmpty(t, SanitizeID("///"))
	assert.NotEqual(t, "///", SanitizeID("///"))
}

func TestRoutingLastWriterWins(t *testing.T) {
	m := testManager(nil, nil)
	a, _, _ := m.CreateSession("", "/repo/a", nil)
	b, _, _ := m.CreateSession("", "/repo/b", nil)

	m.TrackForRouting("ext-1", "/repo/a", a.ID)
	assert.Equal(t, a.ID, m.ResolveSessionID("ext-1"))

	m.TrackForRouting("ext-1", "/repo/b", b.ID)
	assert.Equal(t, b.ID, m.ResolveSessionID("ext-1"))

	// unknown ids pass through
	assert.Equal(t, "unknown", m.ResolveSessionID("unknown"))
}

func TestTrackForRoutingByWorkingDirectory(t *testing.T) {
	m := testManager(nil, nil)
	s, _, _ := m.CreateSession("", "/repo/a", nil)

	m.TrackForRouting("ext-9", "/repo/a", "")
	assert.Equal(t, s.ID, m.ResolveSessionID("ext-9"))
}

func TestCloseSessionEmitsCleanedAndReleasesMaps(t *testing.T) {
	rec := &lifecycleRecorder{}
	m := testManager(rec, nil)
	s, _, _ := m.CreateSession("", "/repo/a", nil)
	m.SetAgentSessionID(s.ID, "ext-1")

	m.CloseSession(s.ID, "client request")

	assert.False(t, m.HasActiveSession(s.ID))
	assert.Equal(t, "ext-1", m.ResolveSessionID("ext-1"))
	assert.Contains(t, rec.all(), protocol.TypeSessionCleaned+":"+s.ID)

	// the working directory is free for a fresh session
	_, reused, err := m.CreateSession("", "/repo/a", nil)
	require.NoError(t, err)
	assert.False(t, reused)
}

func TestKillSessionCancelsTurn(t *testing.T) {
	m := testManager(nil, nil)
	s, _, _ := m.CreateSession("", "/repo/a", nil)

	cancelled := false
	m.SetCancel(s.ID, func() { cancelled = true })
	m.KillSession(s.ID, "test")

	assert.True(t, cancelled)
	assert.False(t, m.HasActiveSession(s.ID))
}

func TestSweepWarnsThenExpires(t *testing.T) {
	rec := &lifecycleRecorder{}
	m := testManager(rec, nil)
	s, _, _ := m.CreateSession("", "/repo/a", nil)

	base := time.Now().UTC()

	// inside the warning window: 21h idle with 24h timeout and 4h warning
	m.Sweep(base.Add(21 * time.Hour))
	events := rec.all()
	assert.Contains(t, events, protocol.TypeSessionWarning+":"+s.ID)
	assert.NotContains(t, events, protocol.TypeSessionExpired+":"+s.ID)

	// warning fires once
	m.Sweep(base.Add(22 * time.Hour))
	warnings := 0
	for _, ev := range rec.all() {
		if ev == protocol.TypeSessionWarning+":"+s.ID {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	m.Sweep(base.Add(25 * time.Hour))
	events = rec.all()
	assert.Contains(t, events, protocol.TypeSessionExpired+":"+s.ID)
	assert.Contains(t, events, protocol.TypeSessionCleaned+":"+s.ID)
	assert.False(t, m.HasActiveSession(s.ID))
}

func TestSweepSkipsProcessingSessions(t *testing.T) {
	rec := &lifecycleRecorder{}
	m := testManager(rec, nil)
	s, _, _ := m.CreateSession("", "/repo/a", nil)
	m.SetProcessing(s.ID, true)

	m.Sweep(time.Now().UTC().Add(48 * time.Hour))
	assert.True(t, m.HasActiveSession(s.ID))
	assert.Empty(t, rec.all())
}

func TestSweepSkipsSessionsWithQueuedEvents(t *testing.T) {
	rec := &lifecycleRecorder{}
	queue := &staticQueue{queued: map[string]bool{}}
	m := testManager(rec, queue)
	s, _, _ := m.CreateSession("", "/repo/a", nil)
	queue.queued[s.ID] = true

	m.Sweep(time.Now().UTC().Add(48 * time.Hour))
	assert.True(t, m.HasActiveSession(s.ID))
}

func TestUpdateActivityRearmsWarning(t *testing.T) {
	rec := &lifecycleRecorder{}
	m := testManager(rec, nil)
	s, _, _ := m.CreateSession("", "/repo/a", nil)

	m.Sweep(time.Now().UTC().Add(21 * time.Hour))
	require.Contains(t, rec.all(), protocol.TypeSessionWarning+":"+s.ID)

	m.UpdateActivity(s.ID)
	m.Sweep(time.Now().UTC().Add(10 * time.Hour))

	// second sweep measures from the refreshed activity; no new warning
	warnings := 0
	for _, ev := range rec.all() {
		if ev == protocol.TypeSessionWarning+":"+s.ID {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}
