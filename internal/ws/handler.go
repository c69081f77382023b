package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devdash/backend/internal/model"
	"github.com/devdash/backend/pkg/protocol"
)

const (
	// Fallbacks when the hub config leaves these unset.
	defaultWriteWait      = 10 * time.Second
	defaultPingPeriod     = 30 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// GetUpgrader returns the WebSocket upgrader for custom configuration.
func GetUpgrader() *websocket.Upgrader {
	return &upgrader
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}

// AllowOrigins returns an origin checker accepting the listed origins and
// requests without an Origin header. An empty list accepts everything.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// ServeHTTP upgrades the request and hands the socket to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	_, _ = h.HandleConnection(conn, MetaFromRequest(r))
}

// HandleConnection registers an upgraded socket, sends the welcome envelope
// and starts the read and write pumps. When the hub is full the socket gets
// an error envelope and is closed.
func (h *Hub) HandleConnection(conn *websocket.Conn, meta RequestMeta) (string, error) {
	c := NewClient(h, conn, meta, h.cfg.SendBuffer)

	if err := h.Register(c); err != nil {
		h.refuse(conn, meta, err)
		return "", err
	}

	welcome, err := protocol.New(protocol.TypeWelcome, protocol.WelcomeData{
		ConnectionID: c.id,
		Config:       h.cfg.Welcome(),
		ServerTime:   protocol.Now(),
	})
	if err == nil {
		err = c.SendEnvelope(welcome)
	}
	if err != nil {
		h.logger.Error("failed to send welcome", zap.String("connection_id", c.id), zap.Error(err))
	}

	go h.writePump(c)
	go h.readPump(c)

	return c.id, nil
}

func (h *Hub) refuse(conn *websocket.Conn, meta RequestMeta, cause error) {
	reason := "hub_full"
	code := websocket.CloseTryAgainLater
	if errors.Is(cause, model.ErrHubClosed) {
		reason = "hub_closed"
		code = websocket.CloseGoingAway
	}
	h.metrics.ConnectionRejected(reason)
	h.logger.Warn("connection refused", zap.String("remote_addr", meta.RemoteAddr), zap.Error(cause))

	deadline := time.Now().Add(h.writeWait())
	if env, err := protocol.New(protocol.TypeError, protocol.ErrorData{Message: cause.Error()}); err == nil {
		if data, err := env.Marshal(); err == nil {
			conn.SetWriteDeadline(deadline)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func (h *Hub) writeWait() time.Duration {
	if h.cfg.WriteTimeout > 0 {
		return h.cfg.WriteTimeout
	}
	return defaultWriteWait
}

func (h *Hub) pingPeriod() time.Duration {
	if h.cfg.PingInterval > 0 {
		return h.cfg.PingInterval
	}
	return defaultPingPeriod
}

// readWait is how long a connection may stay silent before the read fails.
// Clients answer every hub ping, so two missed periods mean the peer is gone.
func (h *Hub) readWait() time.Duration {
	return 2*h.pingPeriod() + h.writeWait()
}

// readPump pumps frames from the WebSocket connection to the hub.
func (h *Hub) readPump(c *Client) {
	reason := model.CloseReasonClient
	defer func() {
		h.Unregister(c, reason)
		c.Conn().Close()
	}()

	limit := h.cfg.MaxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	c.Conn().SetReadLimit(limit)
	c.Conn().SetReadDeadline(time.Now().Add(h.readWait()))
	c.Conn().SetPongHandler(func(string) error {
		c.touch()
		return c.Conn().SetReadDeadline(time.Now().Add(h.readWait()))
	})

	for {
		_, message, err := c.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				reason = model.CloseReasonError
				h.logger.Warn("websocket error", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		c.Conn().SetReadDeadline(time.Now().Add(h.readWait()))

		h.HandleMessage(c, message)
	}
}

// writePump pumps queued frames to the connection and sends the hub's ping
// envelope every ping period.
func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-c.SendChan():
			c.Conn().SetWriteDeadline(time.Now().Add(h.writeWait()))
			if !ok {
				// The hub closed the channel
				c.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One envelope per frame
			if err := c.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-c.SendChan()
				if !ok {
					c.Conn().WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				c.Conn().SetWriteDeadline(time.Now().Add(h.writeWait()))
				if err := c.Conn().WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			ping, err := protocol.New(protocol.TypePing, nil)
			if err != nil {
				continue
			}
			data, err := ping.Marshal()
			if err != nil {
				continue
			}
			c.Conn().SetWriteDeadline(time.Now().Add(h.writeWait()))
			if err := c.Conn().WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
