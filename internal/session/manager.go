// Package session owns session lifetimes: creation, working-directory reuse,
// activity tracking, routing maps, and idle expiry.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	apperrors "github.com/agentgate/agentgate/internal/common/errors"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// WorkspaceDirectory is the sentinel working directory that resolves to the
// configured workspace root. Workspace sessions are never reused.
const WorkspaceDirectory = "__workspace__"

const maxSessionIDLen = 64

const sweepInterval = time.Minute

// EventFunc delivers a session lifecycle event for a session.
type EventFunc func(eventType string, sessionID string, data any)

// QueueChecker reports whether a session still has undelivered events.
// Sessions with queued events are exempt from idle expiry.
type QueueChecker interface {
	HasQueued(sessionID string) bool
}

// Session is one conversational session.
type Session struct {
	ID                  string
	WorkingDirectory    string
	AgentSessionID      string
	Options             map[string]any
	CreatedAt           time.Time
	LastActivity        time.Time
	ConversationStarted bool
	Processing          bool

	warningSent bool
	cancelTurn  context.CancelFunc
}

// Manager tracks all sessions and their routing maps.
type Manager struct {
	cfg           *config.SessionConfig
	workspaceRoot string
	queue         QueueChecker
	emit          EventFunc
	log           *logger.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	byWorkdir map[string]string
	// external Agent CLI session id <-> internal session id
	extToInt map[string]string
	intToExt map[string]string
}

// NewManager creates a Manager. queue may be nil (no expiry exemption for
// queued events); emit may be nil (lifecycle events dropped).
func NewManager(cfg *config.SessionConfig, workspaceRoot string, queue QueueChecker, emit EventFunc, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if emit == nil {
		emit = func(string, string, any) {}
	}
	return &Manager{
		cfg:           cfg,
		workspaceRoot: workspaceRoot,
		queue:         queue,
		emit:          emit,
		log:           log.WithFields(zap.String("component", "session-manager")),
		sessions:      make(map[string]*Session),
		byWorkdir:     make(map[string]string),
		extToInt:      make(map[string]string),
		intToExt:      make(map[string]string),
	}
}

// CreateSession returns an existing active session for the id or working
// directory when one exists, otherwise creates a new one. Workspace-mode
// requests always get a fresh session in the workspace root.
func (m *Manager) CreateSession(sessionID, workingDirectory string, options map[string]any) (*Session, bool, error) {
	workspaceMode := workingDirectory == WorkspaceDirectory
	if workspaceMode {
		workingDirectory = m.workspaceRoot
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		sessionID = SanitizeID(sessionID)
		if s, ok := m.sessions[sessionID]; ok {
			s.ConversationStarted = true
			s.LastActivity = time.Now().UTC()
			s.warningSent = false
			return s, true, nil
		}
	}

	if !workspaceMode {
		if id, ok := m.byWorkdir[workingDirectory]; ok {
			if s, exists := m.sessions[id]; exists {
				s.ConversationStarted = true
				s.LastActivity = time.Now().UTC()
				s.warningSent = false
				m.log.Info("reusing session for working directory",
					zap.String("session_id", id),
					zap.String("working_dir", workingDirectory))
				return s, true, nil
			}
		}
	}

	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, false, apperrors.SessionError("maximum number of concurrent sessions reached")
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	now := time.Now().UTC()
	s := &Session{
		ID:               sessionID,
		WorkingDirectory: workingDirectory,
		Options:          options,
		CreatedAt:        now,
		LastActivity:     now,
	}
	m.sessions[sessionID] = s
	if !workspaceMode {
		m.byWorkdir[workingDirectory] = sessionID
	}

	m.log.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("working_dir", workingDirectory),
		zap.Bool("workspace_mode", workspaceMode))
	return s, false, nil
}

// GetSession looks up a session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// HasActiveSession reports whether the id names a live session.
func (m *Manager) HasActiveSession(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// ResolveSessionID maps an external Agent CLI session id to the internal one.
// Unknown ids pass through unchanged.
func (m *Manager) ResolveSessionID(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if internal, ok := m.extToInt[id]; ok {
		return internal
	}
	return id
}

// UpdateActivity refreshes the idle timer and re-arms the expiry warning.
func (m *Manager) UpdateActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivity = time.Now().UTC()
		s.warningSent = false
	}
}

// MarkConversationStarted records that the session has exchanged a turn.
func (m *Manager) MarkConversationStarted(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.ConversationStarted = true
	}
}

// SetProcessing marks whether the session has a live process invocation.
// Processing sessions are exempt from idle expiry.
func (m *Manager) SetProcessing(id string, processing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Processing = processing
	}
}

// SetCancel installs the cancellation token for the session's current turn.
func (m *Manager) SetCancel(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.cancelTurn = cancel
	}
}

// SetAgentSessionID records the external id reported by the Agent CLI.
func (m *Manager) SetAgentSessionID(id, agentSessionID string) {
	if agentSessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.AgentSessionID = agentSessionID
	}
	m.trackLocked(agentSessionID, id)
}

// TrackForRouting establishes the bidirectional external/internal mapping.
// A remap is allowed (last writer wins) but logged, since it usually means
// two sessions claimed the same CLI conversation.
func (m *Manager) TrackForRouting(externalID, workingDirectory, internalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if internalID == "" {
		if id, ok := m.byWorkdir[workingDirectory]; ok {
			internalID = id
		} else {
			return
		}
	}
	m.trackLocked(externalID, internalID)
}

func (m *Manager) trackLocked(externalID, internalID string) {
	if prev, ok := m.extToInt[externalID]; ok && prev != internalID {
		m.log.Warn("remapping external session id",
			zap.String("external_id", externalID),
			zap.String("previous", prev),
			zap.String("session_id", internalID))
		delete(m.intToExt, prev)
	}
	if prevExt, ok := m.intToExt[internalID]; ok && prevExt != externalID {
		delete(m.extToInt, prevExt)
	}
	m.extToInt[externalID] = internalID
	m.intToExt[internalID] = externalID
}

// CloseSession removes the session from all maps and reports cleanup.
func (m *Manager) CloseSession(id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	if m.byWorkdir[s.WorkingDirectory] == id {
		delete(m.byWorkdir, s.WorkingDirectory)
	}
	if ext, found := m.intToExt[id]; found {
		delete(m.intToExt, id)
		delete(m.extToInt, ext)
	}
	m.mu.Unlock()

	m.log.Info("session closed", zap.String("session_id", id), zap.String("reason", reason))
	m.emit(protocol.TypeSessionCleaned, id, protocol.SessionLifecycleData{SessionID: id, Reason: reason})
}

// KillSession terminates any live turn before closing the session.
func (m *Manager) KillSession(id, reason string) {
	m.mu.Lock()
	var cancel context.CancelFunc
	if s, ok := m.sessions[id]; ok {
		cancel = s.cancelTurn
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.CloseSession(id, reason)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start runs the expiry sweeper until ctx is done. Timers are suppressed in
// the test environment.
func (m *Manager) Start(ctx context.Context) {
	if config.TimersDisabled() {
		return
	}
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(time.Now().UTC())
			}
		}
	}()
}

// Sweep emits warnings for sessions nearing expiry and closes the expired
// ones. Processing sessions and sessions with undelivered queued events are
// skipped.
func (m *Manager) Sweep(now time.Time) {
	type expiry struct {
		id        string
		remaining time.Duration
		expired   bool
	}

	timeout := m.cfg.TimeoutDuration()
	warningWindow := m.cfg.WarningWindowDuration()

	m.mu.Lock()
	var due []expiry
	for id, s := range m.sessions {
		if s.Processing {
			continue
		}
		if m.queue != nil && m.queue.HasQueued(id) {
			continue
		}
		remaining := timeout - now.Sub(s.LastActivity)
		switch {
		case remaining <= 0:
			due = append(due, expiry{id: id, expired: true})
		case remaining <= warningWindow && !s.warningSent:
			s.warningSent = true
			due = append(due, expiry{id: id, remaining: remaining})
		}
	}
	m.mu.Unlock()

	for _, e := range due {
		if e.expired {
			m.emit(protocol.TypeSessionExpired, e.id, protocol.SessionLifecycleData{SessionID: e.id, Reason: "timeout"})
			m.KillSession(e.id, "timeout")
			continue
		}
		m.emit(protocol.TypeSessionWarning, e.id, protocol.SessionWarningData{
			SessionID:     e.id,
			TimeRemaining: e.remaining.Milliseconds(),
		})
	}
}

// SanitizeID normalizes a client-supplied session id: only alphanumerics,
// dash, and underscore survive, capped at 64 characters. An id that
// sanitizes to nothing is replaced with a fresh one.
func SanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if b.Len() >= maxSessionIDLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return uuid.New().String()
	}
	return b.String()
}
