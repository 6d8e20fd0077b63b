// Package queue buffers outbound events for sessions with no live
// subscriber and replays them on resubscribe.
//
// Delivery is at-least-once: a live subscriber gets events directly and they
// are never stored; everything else is queued until a client acknowledges it
// or its TTL lapses. Clients deduplicate by event id.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/protocol"
)

const sweepInterval = time.Minute

// Subscriber is a live client able to receive events for a session.
type Subscriber interface {
	ClientID() string
	SendMessage(msg *protocol.Message) error
}

// SubscriberRegistry resolves the live subscribers of a session. The
// websocket gateway implements it.
type SubscriberRegistry interface {
	SubscribersFor(sessionID string) []Subscriber
}

type queuedEvent struct {
	msg         *protocol.Message
	createdAt   time.Time
	deliveredTo map[string]bool
}

// DeliveryQueue stores undelivered events per session.
type DeliveryQueue struct {
	cfg      *config.QueueConfig
	registry SubscriberRegistry
	log      *logger.Logger

	mu     sync.Mutex
	events map[string][]*queuedEvent
}

// New creates a DeliveryQueue. registry may be nil; every event is then
// stored until replay.
func New(cfg *config.QueueConfig, registry SubscriberRegistry, log *logger.Logger) *DeliveryQueue {
	if log == nil {
		log = logger.Default()
	}
	return &DeliveryQueue{
		cfg:      cfg,
		registry: registry,
		log:      log.WithFields(zap.String("component", "delivery-queue")),
		events:   make(map[string][]*queuedEvent),
	}
}

// SetRegistry installs the subscriber registry after construction. The
// gateway and the queue reference each other, so one side is wired late.
func (q *DeliveryQueue) SetRegistry(registry SubscriberRegistry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.registry = registry
}

// Enqueue delivers the event to every live subscriber of the session, or
// stores it when none (or none reachable) exists. Stored events get an event
// id for acknowledgement.
func (q *DeliveryQueue) Enqueue(sessionID string, msg *protocol.Message) {
	if msg.ID == "" {
		msg.ID = protocol.NewEventID()
	}

	q.mu.Lock()
	registry := q.registry
	q.mu.Unlock()

	if registry != nil {
		delivered := false
		for _, sub := range registry.SubscribersFor(sessionID) {
			if err := sub.SendMessage(msg); err != nil {
				q.log.Warn("direct delivery failed",
					zap.String("session_id", sessionID),
					zap.String("client_id", sub.ClientID()),
					zap.Error(err))
				continue
			}
			delivered = true
		}
		if delivered {
			return
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.storeLocked(sessionID, msg)
}

func (q *DeliveryQueue) storeLocked(sessionID string, msg *protocol.Message) {
	q.events[sessionID] = append(q.events[sessionID], &queuedEvent{
		msg:         msg,
		createdAt:   time.Now().UTC(),
		deliveredTo: make(map[string]bool),
	})

	if max := q.cfg.MaxPerSession; len(q.events[sessionID]) > max {
		dropped := len(q.events[sessionID]) - max
		q.events[sessionID] = q.events[sessionID][dropped:]
		q.log.Warn("queue overflow, evicted oldest events",
			zap.String("session_id", sessionID),
			zap.Int("dropped", dropped))

		notice, err := protocol.NewEvent(protocol.TypeStreamError, protocol.StreamErrorData{
			SessionID: sessionID,
			Reason:    "queue overflow, oldest events dropped",
			Dropped:   dropped,
		})
		if err == nil {
			notice.ID = protocol.NewEventID()
			q.events[sessionID] = append(q.events[sessionID], &queuedEvent{
				msg:         notice,
				createdAt:   time.Now().UTC(),
				deliveredTo: make(map[string]bool),
			})
		}
	}
}

// DeliverQueued replays the session's stored events to one client in enqueue
// order. Successful sends are recorded in the event's delivered-to set;
// removal happens on acknowledgement or expiry.
func (q *DeliveryQueue) DeliverQueued(sessionID, clientID string, send func(*protocol.Message) error) int {
	q.mu.Lock()
	pending := append([]*queuedEvent(nil), q.events[sessionID]...)
	q.mu.Unlock()

	delivered := 0
	for _, ev := range pending {
		if err := send(ev.msg); err != nil {
			q.log.Warn("replay delivery failed",
				zap.String("session_id", sessionID),
				zap.String("client_id", clientID),
				zap.Error(err))
			break
		}
		q.mu.Lock()
		ev.deliveredTo[clientID] = true
		q.mu.Unlock()
		delivered++
	}

	if delivered > 0 {
		q.log.Debug("replayed queued events",
			zap.String("session_id", sessionID),
			zap.String("client_id", clientID),
			zap.Int("count", delivered))
	}
	return delivered
}

// Acknowledge removes the named events. At-least-once delivery means one
// acknowledging client is enough.
func (q *DeliveryQueue) Acknowledge(messageIDs []string, clientID string) int {
	acked := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		acked[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for sessionID, events := range q.events {
		kept := events[:0]
		for _, ev := range events {
			if acked[ev.msg.ID] {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(q.events, sessionID)
		} else {
			q.events[sessionID] = kept
		}
	}

	if removed > 0 {
		q.log.Debug("acknowledged events",
			zap.String("client_id", clientID),
			zap.Int("count", removed))
	}
	return removed
}

// Expire drops events older than the TTL.
func (q *DeliveryQueue) Expire(now time.Time) int {
	ttl := q.cfg.TTLDuration()

	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for sessionID, events := range q.events {
		kept := events[:0]
		for _, ev := range events {
			if now.Sub(ev.createdAt) > ttl {
				expired++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(q.events, sessionID)
		} else {
			q.events[sessionID] = kept
		}
	}

	if expired > 0 {
		q.log.Info("expired queued events", zap.Int("count", expired))
	}
	return expired
}

// Clear drops everything queued for a session.
func (q *DeliveryQueue) Clear(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.events, sessionID)
}

// HasQueued reports whether the session has undelivered events. The session
// manager uses it to exempt such sessions from idle expiry.
func (q *DeliveryQueue) HasQueued(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events[sessionID]) > 0
}

// QueuedCount returns the number of stored events for a session.
func (q *DeliveryQueue) QueuedCount(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events[sessionID])
}

// Start runs the TTL sweeper until ctx is done.
func (q *DeliveryQueue) Start(ctx context.Context) {
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
				q.Expire(time.Now().UTC())
			}
		}
	}()
}
