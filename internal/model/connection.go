package model

import (
	"encoding/json"
	"time"
)

// Close reasons recorded for hub connections.
const (
	CloseReasonClient   = "client_closed"
	CloseReasonInactive = "inactive"
	CloseReasonSlow     = "slow_consumer"
	CloseReasonShutdown = "shutdown"
	CloseReasonError    = "error"
)

// ConnectionRecord is the audit entry for one hub connection.
type ConnectionRecord struct {
	ID             string     `json:"id"`
	RemoteAddr     string     `json:"remoteAddr"`
	UserAgent      string     `json:"userAgent,omitempty"`
	Subscriptions  []string   `json:"subscriptions"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	CloseReason    string     `json:"closeReason,omitempty"`
}

// Open reports whether the connection has not been marked closed.
func (r *ConnectionRecord) Open() bool {
	return r.DisconnectedAt == nil
}

// Duration returns how long the connection lasted, or has lasted so far.
func (r *ConnectionRecord) Duration() time.Duration {
	if r.DisconnectedAt != nil {
		return r.DisconnectedAt.Sub(r.ConnectedAt)
	}
	return time.Since(r.ConnectedAt)
}

// SubscriptionsToJSON converts the subscription list to a JSON string for storage.
func (r *ConnectionRecord) SubscriptionsToJSON() (string, error) {
	return SubscriptionsToJSON(r.Subscriptions)
}

// SubscriptionsFromJSON parses a stored JSON string into Subscriptions.
func (r *ConnectionRecord) SubscriptionsFromJSON(data string) error {
	if data == "" {
		r.Subscriptions = []string{}
		return nil
	}
	return json.Unmarshal([]byte(data), &r.Subscriptions)
}

// SubscriptionsToJSON encodes a subscription list. A nil list is stored as "[]".
func SubscriptionsToJSON(subs []string) (string, error) {
	if subs == nil {
		subs = []string{}
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PublishEventRequest is the body of POST /api/events.
type PublishEventRequest struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Broadcast bool            `json:"broadcast"`
}

// Validate validates the publish request.
func (r *PublishEventRequest) Validate() error {
	if r.Type == "" {
		return ErrEventTypeRequired
	}
	return nil
}

// PublishEventResponse reports how many connections received the event.
type PublishEventResponse struct {
	Delivered int `json:"delivered"`
}
