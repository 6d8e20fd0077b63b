package websocket

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/agentgate/agentgate/internal/common/errors"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// Dispatcher routes domain messages (ask, streamStart, permission, ...) to
// the orchestrator. Replies go back through the client directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, client *Client, msg *protocol.Message)
}

// Replayer replays and acknowledges queued events. The delivery queue
// implements it.
type Replayer interface {
	DeliverQueued(sessionID, clientID string, send func(*protocol.Message) error) int
	Acknowledge(messageIDs []string, clientID string) int
}

// Handler decodes inbound frames and routes them. Connection-scoped
// messages (subscribe, acknowledge, ping, registerDevice) are handled here;
// everything else goes to the dispatcher.
type Handler struct {
	dispatcher Dispatcher
	replayer   Replayer
	log        *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(dispatcher Dispatcher, replayer Replayer, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		replayer:   replayer,
		log:        log.WithFields(zap.String("component", "ws-handler")),
	}
}

// HandleMessage processes one inbound frame from a client.
func (h *Handler) HandleMessage(c *Client, raw []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("", apperrors.ErrCodeInvalidRequest, "invalid message format", nil)
		return
	}
	if msg.Type == "" {
		c.sendError(msg.RequestID, apperrors.ErrCodeInvalidRequest, "message type is required", nil)
		return
	}

	h.log.Debug("received message",
		zap.String("client_id", c.id),
		zap.String("type", msg.Type),
		zap.String("request_id", msg.RequestID))

	switch msg.Type {
	case protocol.TypePing:
		h.handlePing(c, &msg)
	case protocol.TypeSubscribe:
		h.handleSubscribe(c, &msg)
	case protocol.TypeAcknowledgeMessages:
		h.handleAcknowledge(c, &msg)
	case protocol.TypeRegisterDevice:
		h.handleRegisterDevice(c, &msg)
	default:
		// Domain messages can block on the agent pipeline; keep the read
		// pump responsive.
		go h.dispatcher.Dispatch(context.Background(), c, &msg)
	}
}

func (h *Handler) handlePing(c *Client, msg *protocol.Message) {
	reply, err := protocol.NewMessage(protocol.TypePong, msg.RequestID, map[string]any{})
	if err != nil {
		return
	}
	_ = c.SendMessage(reply)
}

func (h *Handler) handleSubscribe(c *Client, msg *protocol.Message) {
	var req protocol.SubscribeRequest
	if err := msg.ParseData(&req); err != nil {
		c.sendError(msg.RequestID, apperrors.ErrCodeInvalidRequest, "invalid subscribe payload", nil)
		return
	}

	c.Subscribe(req.Events, req.SessionIDs)

	// Replay anything that accumulated while the client was away.
	for _, sessionID := range req.SessionIDs {
		n := h.replayer.DeliverQueued(sessionID, c.id, c.SendMessage)
		if n > 0 {
			h.log.Info("replayed queued events on subscribe",
				zap.String("client_id", c.id),
				zap.String("session_id", sessionID),
				zap.Int("count", n))
		}
	}
}

func (h *Handler) handleAcknowledge(c *Client, msg *protocol.Message) {
	var req protocol.AcknowledgeRequest
	if err := msg.ParseData(&req); err != nil {
		c.sendError(msg.RequestID, apperrors.ErrCodeInvalidRequest, "invalid acknowledge payload", nil)
		return
	}
	h.replayer.Acknowledge(req.MessageIDs, c.id)
}

func (h *Handler) handleRegisterDevice(c *Client, msg *protocol.Message) {
	var req protocol.RegisterDeviceRequest
	if err := msg.ParseData(&req); err != nil || req.DeviceToken == "" {
		c.sendError(msg.RequestID, apperrors.ErrCodeInvalidRequest, "deviceToken is required", nil)
		return
	}
	c.SetDevice(req.DeviceToken)

	reply, err := protocol.NewMessage(protocol.TypeDeviceRegistered, msg.RequestID, map[string]any{"success": true})
	if err != nil {
		return
	}
	_ = c.SendMessage(reply)
}
