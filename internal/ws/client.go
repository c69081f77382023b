package ws

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devdash/backend/internal/model"
	"github.com/devdash/backend/pkg/protocol"
)

// RequestMeta describes the HTTP request a connection was upgraded from.
type RequestMeta struct {
	RemoteAddr string
	UserAgent  string
}

// MetaFromRequest extracts RequestMeta from r.
func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
}

// Client is one accepted WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	id          string
	remoteAddr  string
	userAgent   string
	connectedAt time.Time

	// unix nanoseconds of the last inbound frame
	lastActivity atomic.Int64

	send   chan []byte
	mu     sync.Mutex
	closed bool

	// guarded by hub.mu
	subscriptions map[string]struct{}
}

// NewClient creates a client with a fresh connection id. conn may be nil in
// tests, in which case nothing drains the send channel but the test itself.
func NewClient(hub *Hub, conn *websocket.Conn, meta RequestMeta, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	now := time.Now()
	c := &Client{
		hub:           hub,
		conn:          conn,
		id:            uuid.NewString(),
		remoteAddr:    meta.RemoteAddr,
		userAgent:     meta.UserAgent,
		connectedAt:   now,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send queues data for the write pump. A client whose buffer is full is
// closed and ErrSendBufferFull returned.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.ErrConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.closeLocked()
		return model.ErrSendBufferFull
	}
}

// SendEnvelope marshals env and queues it.
func (c *Client) SendEnvelope(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close closes the send channel, which makes the write pump send a close
// frame and release the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// ID returns the hub-assigned connection id.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Client) UserAgent() string {
	return c.userAgent
}

func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns the time of the last inbound frame, or the connect
// time if none arrived yet.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Subscriptions returns the client's subscribed event types, sorted.
func (c *Client) Subscriptions() []string {
	if c.hub != nil {
		c.hub.mu.RLock()
		defer c.hub.mu.RUnlock()
	}
	return c.subscriptionListLocked()
}

func (c *Client) subscriptionListLocked() []string {
	out := make([]string, 0, len(c.subscriptions))
	for e := range c.subscriptions {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}
