// Package protocol defines the JSON envelope exchanged over the realtime
// socket and the registry of message types shared by the hub and clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEnvelope is returned when a frame is not a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// MessageType represents the type of an envelope.
type MessageType string

const (
	// Control types
	TypeWelcome             MessageType = "welcome"
	TypePing                MessageType = "ping"
	TypePong                MessageType = "pong"
	TypeSubscribe           MessageType = "subscribe"
	TypeUnsubscribe         MessageType = "unsubscribe"
	TypeSubscriptionUpdated MessageType = "subscription_updated"
	TypeError               MessageType = "error"

	// Application types produced by dashboard collaborators
	TypeProjectCreated     MessageType = "project_created"
	TypeProjectUpdated     MessageType = "project_updated"
	TypeProjectDeleted     MessageType = "project_deleted"
	TypeProjectStatus      MessageType = "project_status"
	TypeChatResponse       MessageType = "chat_response"
	TypeOperationStarted   MessageType = "operation_started"
	TypeOperationCompleted MessageType = "operation_completed"
	TypeOperationFailed    MessageType = "operation_failed"
	TypeNotification       MessageType = "notification"
)

const (
	ackInfix      = "_ack_"
	progressInfix = "_progress_"
)

// IsControl reports whether t is one of the reserved protocol types.
// Control envelopes are never buffered in an offline queue.
func (t MessageType) IsControl() bool {
	switch t {
	case TypeWelcome, TypePing, TypePong, TypeSubscribe, TypeUnsubscribe,
		TypeSubscriptionUpdated, TypeError:
		return true
	}
	return false
}

// AckType returns the type name used to acknowledge the request id of base.
func AckType(base MessageType, id string) MessageType {
	return MessageType(string(base) + ackInfix + id)
}

// ProgressType returns the type name used for progress updates of request id.
func ProgressType(base MessageType, id string) MessageType {
	return MessageType(string(base) + progressInfix + id)
}

// Envelope is the wire message: {type, data, id?, timestamp}.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current time in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// New builds an envelope of type t carrying data, stamped with the current time.
func New(t MessageType, data any) (Envelope, error) {
	return NewWithID(t, "", data)
}

// NewWithID is like New but sets the correlation id.
func NewWithID(t MessageType, id string, data any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		ID:        id,
		Timestamp: Now(),
	}

	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		env.Data = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s data: %w", t, err)
		}
		env.Data = raw
	}

	return env, nil
}

// Parse decodes a frame. Frames that are not JSON objects or carry no type
// are rejected with ErrMalformedEnvelope.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Marshal encodes the envelope for transmission.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}
