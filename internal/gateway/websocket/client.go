package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 256
)

// Client represents a single WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan *protocol.Message
	log  *logger.Logger

	mu           sync.RWMutex
	lastActivity time.Time
	alive        bool
	closed       bool
	events       map[string]bool
	sessions     map[string]bool
	deviceToken  string
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:           id,
		conn:         conn,
		hub:          hub,
		send:         make(chan *protocol.Message, sendBufferSize),
		log:          log.WithClientID(id),
		lastActivity: time.Now(),
		alive:        true,
		events:       make(map[string]bool),
		sessions:     make(map[string]bool),
	}
}

// ClientID returns the server-assigned client id.
func (c *Client) ClientID() string { return c.id }

// SendMessage queues an outbound message. It never blocks; a full buffer is
// an error so the delivery queue can fall back to storing the event. The lock
// is held across the send: markClosed cannot complete while a sender is in
// flight, so the hub never closes the channel under a send.
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("client %s is closed", c.id)
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("client %s send buffer full", c.id)
	}
}

// Subscribe replaces the client's subscription set.
func (c *Client) Subscribe(events, sessionIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make(map[string]bool, len(events))
	for _, ev := range events {
		c.events[ev] = true
	}
	for _, id := range sessionIDs {
		c.sessions[id] = true
	}
}

// AssociateSession binds a session to the client so session events reach it
// without an explicit subscribe. Called when the client starts or joins a
// session.
func (c *Client) AssociateSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = true
}

// WantsSession reports whether the client should receive events for the
// session.
func (c *Client) WantsSession(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

// WantsEvent reports whether the client's event filter admits the type.
// An empty filter, or "*", admits everything.
func (c *Client) WantsEvent(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) == 0 || c.events["*"] {
		return true
	}
	return c.events[eventType]
}

// SetDevice stores a push-device binding.
func (c *Client) SetDevice(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceToken = token
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.alive = true
	c.mu.Unlock()
}

// livenessState returns the pong flag and time since last activity.
func (c *Client) livenessState() (alive bool, idle time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive, time.Since(c.lastActivity)
}

func (c *Client) expectPong() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// ReadPump reads client frames until the connection dies. Runs on the
// connection's goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.touch()
		c.hub.handler.HandleMessage(c, raw)
	}
}

// WritePump serializes all data writes to the connection.
func (c *Client) WritePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}

	// Hub closed the send channel; say goodbye properly.
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// ping sends a ping control frame. Safe concurrently with WritePump.
func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Client) sendError(requestID, code, message string, details map[string]any) {
	if err := c.SendMessage(protocol.NewError(requestID, code, message, details)); err != nil {
		c.log.Warn("failed to send error to client", zap.Error(err))
	}
}
