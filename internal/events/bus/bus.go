// Package bus provides the internal event bus that fans gateway-side
// notifications (session lifecycle, process health) out to subscribers.
// Deployments run it in-memory by default; configuring a NATS URL swaps in
// the NATS-backed implementation without touching callers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// Subjects published by the gateway.
const (
	// SubjectSessionLifecycle carries sessionWarning/sessionExpired/sessionCleaned.
	SubjectSessionLifecycle = "agentgate.session.lifecycle"

	// SubjectProcessHealth carries periodic process metrics snapshots.
	SubjectProcessHealth = "agentgate.process.health"

	// SubjectAll matches everything the gateway publishes.
	SubjectAll = "agentgate.>"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, sessionID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and subscribes by subject. Subjects use NATS
// conventions: dot-separated tokens, with * matching one token and >
// matching the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// New selects the bus implementation from config: a NATS URL enables the
// NATS bus, otherwise events stay in-process.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
