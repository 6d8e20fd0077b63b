// Package websocket is the client-facing gateway: connection lifecycle,
// ping/pong liveness, subscriptions, and routing of inbound messages to the
// orchestrator.
package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// Hub manages all connected clients and their liveness.
type Hub struct {
	cfg     *config.GatewayConfig
	handler *Handler
	log     *logger.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	byID    map[string]*Client
}

// NewHub creates a Hub. The handler is attached afterwards via SetHandler
// because the handler needs the hub too.
func NewHub(cfg *config.GatewayConfig, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		cfg:        cfg,
		log:        log.WithFields(zap.String("component", "ws-hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		byID:       make(map[string]*Client),
	}
}

// SetHandler attaches the message handler.
func (h *Hub) SetHandler(handler *Handler) {
	h.handler = handler
}

// Run processes registrations and runs the liveness ticker until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	pingTicker := time.NewTicker(h.cfg.PingIntervalDuration())
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.byID[client.id] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.remove(client)

		case <-pingTicker.C:
			h.sweepLiveness()
		}
	}
}

// sweepLiveness pings every client and drops the ones that missed a pong in
// the previous cycle. Recent inbound activity substitutes for a pong so busy
// clients don't flap.
func (h *Hub) sweepLiveness() {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	grace := h.cfg.ActivityGraceDuration()
	for _, c := range snapshot {
		alive, idle := c.livenessState()
		if !alive && idle > grace {
			h.log.Info("closing unresponsive client", zap.String("client_id", c.id))
			h.remove(c)
			continue
		}
		c.expectPong()
		if err := c.ping(); err != nil {
			h.log.Debug("ping failed", zap.String("client_id", c.id), zap.Error(err))
			h.remove(c)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	delete(h.byID, client.id)
	client.markClosed()
	close(client.send)
	h.log.Debug("client unregistered", zap.String("client_id", client.id))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.markClosed()
		close(client.send)
		delete(h.clients, client)
		delete(h.byID, client.id)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sessionSubscriber applies the client's event-kind filter on top of plain
// delivery. Filtered events count as delivered for that client.
type sessionSubscriber struct {
	c *Client
}

func (s sessionSubscriber) ClientID() string { return s.c.id }

func (s sessionSubscriber) SendMessage(msg *protocol.Message) error {
	if !s.c.WantsEvent(msg.Type) {
		return nil
	}
	return s.c.SendMessage(msg)
}

// SubscribersFor returns the live clients that want events for a session.
// Implements queue.SubscriberRegistry.
func (h *Hub) SubscribersFor(sessionID string) []queue.Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var subs []queue.Subscriber
	for c := range h.clients {
		if c.WantsSession(sessionID) {
			subs = append(subs, sessionSubscriber{c: c})
		}
	}
	return subs
}
