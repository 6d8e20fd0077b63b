// Package protocol defines the client wire protocol: the message envelope and
// the closed set of inbound and outbound message types.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for all client-facing messages.
// Inbound messages carry {type, requestId, data}; outbound messages
// additionally carry a server timestamp and, for queued events, an event id
// clients use for acknowledgement and deduplication.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewMessage creates an outbound message with the given payload.
func NewMessage(msgType, requestID string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// NewEvent creates an outbound event message with no originating request.
func NewEvent(msgType string, data any) (*Message, error) {
	return NewMessage(msgType, "", data)
}

// NewError creates an outbound error message.
func NewError(requestID, code, errMessage string, details map[string]any) *Message {
	raw, err := json.Marshal(ErrorData{Code: code, Message: errMessage, Details: details})
	if err != nil {
		raw = []byte(`{"code":"INTERNAL_ERROR","message":"failed to encode error"}`)
	}
	return &Message{
		Type:      TypeError,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
}

// ParseData unmarshals the message payload into v.
func (m *Message) ParseData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// NewEventID returns a fresh event id for queued delivery and client dedup.
func NewEventID() string {
	return uuid.New().String()
}
