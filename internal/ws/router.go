package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/devdash/backend/internal/model"
	"github.com/devdash/backend/pkg/protocol"
)

// MessageRouter handles application envelopes, i.e. everything the hub does
// not answer itself. Returning an error wrapping model.ErrNoRoute marks the
// type as unknown; any other error is reported to the sender.
type MessageRouter interface {
	Route(ctx context.Context, c *Client, env protocol.Envelope) error
}

// HandlerFunc handles one envelope type.
type HandlerFunc func(ctx context.Context, c *Client, env protocol.Envelope) error

// Mux routes envelopes by exact type.
type Mux struct {
	mu       sync.RWMutex
	routes   map[protocol.MessageType]HandlerFunc
	fallback HandlerFunc
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{routes: make(map[protocol.MessageType]HandlerFunc)}
}

// Handle registers fn for t, replacing any previous handler.
func (m *Mux) Handle(t protocol.MessageType, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[t] = fn
}

// Fallback sets the handler for types without a route.
func (m *Mux) Fallback(fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
}

// Route implements MessageRouter.
func (m *Mux) Route(ctx context.Context, c *Client, env protocol.Envelope) error {
	m.mu.RLock()
	fn, ok := m.routes[env.Type]
	if !ok {
		fn = m.fallback
	}
	m.mu.RUnlock()

	if fn == nil {
		return model.ErrNoRoute
	}
	return fn(ctx, c, env)
}

var errNoCorrelationID = errors.New("envelope has no id to correlate")

// Ack sends the "<type>_ack_<id>" reply for env to c.
func Ack(c *Client, env protocol.Envelope, data any) error {
	if env.ID == "" {
		return errNoCorrelationID
	}
	reply, err := protocol.NewWithID(protocol.AckType(env.Type, env.ID), env.ID, data)
	if err != nil {
		return err
	}
	return c.SendEnvelope(reply)
}

// Progress sends a "<type>_progress_<id>" update for env to c.
func Progress(c *Client, env protocol.Envelope, data any) error {
	if env.ID == "" {
		return errNoCorrelationID
	}
	update, err := protocol.NewWithID(protocol.ProgressType(env.Type, env.ID), env.ID, data)
	if err != nil {
		return err
	}
	return c.SendEnvelope(update)
}

// RelayResult is the ack payload of a relayed envelope.
type RelayResult struct {
	Delivered int `json:"delivered"`
}

// RelayHandler republishes the envelope's data to the subscribers of its
// type and, when the envelope carries an id, acks with the delivery count.
// It lets out-of-process producers such as dashctl publish over the socket.
func RelayHandler(h *Hub) HandlerFunc {
	return func(ctx context.Context, c *Client, env protocol.Envelope) error {
		n, err := h.BroadcastToSubscribers(string(env.Type), env.Data)
		if err != nil {
			return err
		}
		if env.ID == "" {
			return nil
		}
		return Ack(c, env, RelayResult{Delivered: n})
	}
}

// ApplicationTypes lists the application envelope types relayed by default.
var ApplicationTypes = []protocol.MessageType{
	protocol.TypeProjectCreated,
	protocol.TypeProjectUpdated,
	protocol.TypeProjectDeleted,
	protocol.TypeProjectStatus,
	protocol.TypeChatResponse,
	protocol.TypeOperationStarted,
	protocol.TypeOperationCompleted,
	protocol.TypeOperationFailed,
	protocol.TypeNotification,
}

// NewRelayMux returns a Mux that relays every application type.
func NewRelayMux(h *Hub) *Mux {
	mux := NewMux()
	relay := RelayHandler(h)
	for _, t := range ApplicationTypes {
		mux.Handle(t, relay)
	}
	return mux
}
