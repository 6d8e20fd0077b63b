package permission

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
)

// Resolution classifies a client reply to a pending permission request.
type Resolution int

const (
	// ResolutionApproved releases the stashed final payload.
	ResolutionApproved Resolution = iota
	// ResolutionDenied discards the stashed payload and reports denial.
	ResolutionDenied
	// ResolutionNewTurn means the reply was neither; it starts a new turn
	// and the stashed payload is dropped.
	ResolutionNewTurn
)

func (r Resolution) String() string {
	switch r {
	case ResolutionApproved:
		return "approved"
	case ResolutionDenied:
		return "denied"
	default:
		return "new_turn"
	}
}

// Request is one outstanding permission request.
type Request struct {
	RequestID string
	SessionID string
	Prompt    string
	CreatedAt time.Time

	// Pending holds the stashed final payload released on approval.
	Pending any
}

// Coordinator tracks at most one outstanding permission request per session.
// A second permission-shaped event arriving while one is pending is coalesced
// into the existing request.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*Request
	log     *logger.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		pending: make(map[string]*Request),
		log:     log.WithFields(zap.String("component", "permission-coordinator")),
	}
}

// Begin registers a permission request for the session and returns it.
// If one is already pending the existing request is returned with
// coalesced=true; its prompt and payload are left untouched so the client
// answers the question it was actually shown.
func (c *Coordinator) Begin(sessionID, prompt string, pendingFinal any) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.pending[sessionID]; ok {
		c.log.Debug("coalescing permission request",
			zap.String("session_id", sessionID),
			zap.String("request_id", existing.RequestID))
		return existing, true
	}

	req := &Request{
		RequestID: uuid.New().String(),
		SessionID: sessionID,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
		Pending:   pendingFinal,
	}
	c.pending[sessionID] = req

	c.log.Info("permission request opened",
		zap.String("session_id", sessionID),
		zap.String("request_id", req.RequestID))
	return req, false
}

// Awaiting reports whether the session has an outstanding permission request.
func (c *Coordinator) Awaiting(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[sessionID]
	return ok
}

// Get returns the outstanding request for a session, if any.
func (c *Coordinator) Get(sessionID string) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[sessionID]
	return req, ok
}

// Resolve classifies the client reply and closes the pending request.
// Returns the request so the caller can emit or discard its stashed payload.
// ok is false when no request was pending for the session.
func (c *Coordinator) Resolve(sessionID, reply string) (Resolution, *Request, bool) {
	c.mu.Lock()
	req, ok := c.pending[sessionID]
	if ok {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if !ok {
		return ResolutionNewTurn, nil, false
	}

	var res Resolution
	switch {
	case IsApproval(reply):
		res = ResolutionApproved
	case IsDenial(reply):
		res = ResolutionDenied
	default:
		res = ResolutionNewTurn
	}

	c.log.Info("permission request resolved",
		zap.String("session_id", sessionID),
		zap.String("request_id", req.RequestID),
		zap.String("resolution", res.String()))
	return res, req, true
}

// Clear drops any pending request for the session, e.g. on session close or
// turn cancellation.
func (c *Coordinator) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, sessionID)
}
