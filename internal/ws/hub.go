package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devdash/backend/internal/config"
	"github.com/devdash/backend/internal/metrics"
	"github.com/devdash/backend/internal/model"
	"github.com/devdash/backend/internal/ratelimit"
	"github.com/devdash/backend/pkg/protocol"
)

// recordTimeout bounds audit store writes made on the connection path.
const recordTimeout = 2 * time.Second

// ConnectionRecorder stores the audit trail of accepted connections.
type ConnectionRecorder interface {
	Create(ctx context.Context, rec *model.ConnectionRecord) error
	MarkClosed(ctx context.Context, id string, at time.Time, subscriptions []string, reason string) error
}

// ConnectionStats is a point-in-time view of the hub.
type ConnectionStats struct {
	// Total is the number of registered connections.
	Total int `json:"total"`
	// Open excludes registered connections whose send side is already closed.
	Open int `json:"open"`
	// Accepted counts every connection registered since the hub started.
	Accepted uint64 `json:"accepted"`
	// Subscriptions maps each event type to its subscriber count.
	Subscriptions map[string]int `json:"subscriptions"`
}

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l.Named("hub")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithRouter sets the router for application message types.
func WithRouter(r MessageRouter) Option {
	return func(h *Hub) { h.router = r }
}

func WithRecorder(r ConnectionRecorder) Option {
	return func(h *Hub) { h.recorder = r }
}

func WithRateLimiter(l *ratelimit.Manager) Option {
	return func(h *Hub) { h.limiter = l }
}

// Hub tracks accepted connections and their subscriptions and fans
// envelopes out to them.
type Hub struct {
	cfg      config.HubConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	router   MessageRouter
	recorder ConnectionRecorder
	limiter  *ratelimit.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	clients     map[string]*Client
	subscribers map[string]map[string]*Client
	subCount    int
	accepted    uint64
	closed      bool
}

// NewHub creates a Hub.
func NewHub(cfg config.HubConfig, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:         cfg,
		logger:      zap.NewNop(),
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the hub configuration.
func (h *Hub) Config() config.HubConfig {
	return h.cfg
}

// SetRouter replaces the application message router.
func (h *Hub) SetRouter(r MessageRouter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.router = r
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return model.ErrHubClosed
	}
	if h.cfg.MaxConnections > 0 && len(h.clients) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return fmt.Errorf("%w (%d)", model.ErrHubFull, h.cfg.MaxConnections)
	}
	h.clients[c.id] = c
	h.accepted++
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.logger.Info("connection registered",
		zap.String("connection_id", c.id),
		zap.String("remote_addr", c.remoteAddr),
		zap.Int("connections", total),
	)

	if h.recorder != nil {
		ctx, cancel := context.WithTimeout(h.ctx, recordTimeout)
		defer cancel()
		err := h.recorder.Create(ctx, &model.ConnectionRecord{
			ID:          c.id,
			RemoteAddr:  c.remoteAddr,
			UserAgent:   c.userAgent,
			ConnectedAt: c.connectedAt,
		})
		if err != nil {
			h.logger.Warn("failed to record connection", zap.String("connection_id", c.id), zap.Error(err))
		}
	}
	return nil
}

// Unregister removes a client and its subscription entries and closes it.
// It reports whether the client was registered.
func (h *Hub) Unregister(c *Client, reason string) bool {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; !ok || cur != c {
		h.mu.Unlock()
		c.Close()
		return false
	}
	delete(h.clients, c.id)
	subs := c.subscriptionListLocked()
	for _, e := range subs {
		h.removeSubscriberLocked(e, c)
	}
	c.subscriptions = make(map[string]struct{})
	subCount := h.subCount
	total := len(h.clients)
	h.mu.Unlock()

	c.Close()
	h.limiter.OnClientDisconnect(c.id)
	h.metrics.ConnectionClosed(reason)
	h.metrics.SetSubscriptions(subCount)

	h.logger.Info("connection removed",
		zap.String("connection_id", c.id),
		zap.String("reason", reason),
		zap.Int("connections", total),
	)

	if h.recorder != nil {
		// Use a fresh context so shutdown closes are still recorded
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := h.recorder.MarkClosed(ctx, c.id, time.Now(), subs, reason); err != nil {
			h.logger.Warn("failed to record disconnect", zap.String("connection_id", c.id), zap.Error(err))
		}
	}
	return true
}

func (h *Hub) removeSubscriberLocked(event string, c *Client) {
	set := h.subscribers[event]
	if _, ok := set[c.id]; !ok {
		return
	}
	delete(set, c.id)
	h.subCount--
	if len(set) == 0 {
		delete(h.subscribers, event)
	}
}

// Subscribe adds events to c's subscription set. It returns the events that
// were newly added and the resulting full set.
func (h *Hub) Subscribe(c *Client, events []string) (added, subscribed []string, err error) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; !ok || cur != c {
		h.mu.Unlock()
		return nil, nil, model.ErrConnectionNotFound
	}
	added = []string{}
	for _, e := range events {
		if e == "" {
			continue
		}
		if _, ok := c.subscriptions[e]; ok {
			continue
		}
		c.subscriptions[e] = struct{}{}
		if h.subscribers[e] == nil {
			h.subscribers[e] = make(map[string]*Client)
		}
		h.subscribers[e][c.id] = c
		h.subCount++
		added = append(added, e)
	}
	subscribed = c.subscriptionListLocked()
	subCount := h.subCount
	h.mu.Unlock()

	h.metrics.SetSubscriptions(subCount)
	return added, subscribed, nil
}

// Unsubscribe removes events from c's subscription set. It returns the
// events that were removed and the resulting full set.
func (h *Hub) Unsubscribe(c *Client, events []string) (removed, subscribed []string, err error) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; !ok || cur != c {
		h.mu.Unlock()
		return nil, nil, model.ErrConnectionNotFound
	}
	removed = []string{}
	for _, e := range events {
		if _, ok := c.subscriptions[e]; !ok {
			continue
		}
		delete(c.subscriptions, e)
		h.removeSubscriberLocked(e, c)
		removed = append(removed, e)
	}
	subscribed = c.subscriptionListLocked()
	subCount := h.subCount
	h.mu.Unlock()

	h.metrics.SetSubscriptions(subCount)
	return removed, subscribed, nil
}

// Broadcast sends env to every registered connection and returns the number
// of connections it was queued for. Failures on one connection are logged
// and do not affect the others.
func (h *Hub) Broadcast(env protocol.Envelope) int {
	data, err := env.Marshal()
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.String("type", string(env.Type)), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, env.Type, data)
}

// BroadcastToSubscribers builds an envelope of type eventType and sends it to
// the connections subscribed to eventType only.
func (h *Hub) BroadcastToSubscribers(eventType string, data any) (int, error) {
	env, err := protocol.New(protocol.MessageType(eventType), data)
	if err != nil {
		return 0, err
	}
	raw, err := env.Marshal()
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	set := h.subscribers[eventType]
	targets := make([]*Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, env.Type, raw), nil
}

func (h *Hub) deliver(targets []*Client, t protocol.MessageType, data []byte) int {
	delivered := 0
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			h.handleSendError(c, t, err)
			continue
		}
		delivered++
		h.metrics.MessageSent()
	}
	h.metrics.Broadcast(delivered)
	return delivered
}

func (h *Hub) handleSendError(c *Client, t protocol.MessageType, err error) {
	h.logger.Warn("send failed",
		zap.String("connection_id", c.id),
		zap.String("type", string(t)),
		zap.Error(err),
	)
	if errors.Is(err, model.ErrSendBufferFull) {
		h.Unregister(c, model.CloseReasonSlow)
	}
}

// SendTo sends env to a single connection.
func (h *Hub) SendTo(connectionID string, env protocol.Envelope) error {
	c, ok := h.Client(connectionID)
	if !ok {
		return model.ErrConnectionNotFound
	}
	if err := c.SendEnvelope(env); err != nil {
		h.handleSendError(c, env.Type, err)
		return err
	}
	h.metrics.MessageSent()
	return nil
}

// Client returns the registered client with the given id.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns connection counts and per-event subscriber counts.
func (h *Hub) Stats() ConnectionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := ConnectionStats{
		Total:         len(h.clients),
		Accepted:      h.accepted,
		Subscriptions: make(map[string]int, len(h.subscribers)),
	}
	for _, c := range h.clients {
		if !c.IsClosed() {
			stats.Open++
		}
	}
	for e, set := range h.subscribers {
		stats.Subscriptions[e] = len(set)
	}
	return stats
}

// CleanupInactiveConnections closes and removes every connection without
// inbound traffic for longer than maxInactive. It returns how many were
// removed.
func (h *Hub) CleanupInactiveConnections(maxInactive time.Duration) int {
	threshold := time.Now().Add(-maxInactive)

	h.mu.RLock()
	var stale []*Client
	for _, c := range h.clients {
		if c.LastActivity().Before(threshold) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range stale {
		if h.Unregister(c, model.CloseReasonInactive) {
			n++
		}
	}
	if n > 0 {
		h.logger.Info("removed inactive connections", zap.Int("count", n), zap.Duration("max_inactive", maxInactive))
	}
	return n
}

// Shutdown closes every connection. Later registrations fail with
// ErrHubClosed.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c, model.CloseReasonShutdown)
	}
	h.cancel()
	h.logger.Info("hub shut down", zap.Int("closed_connections", len(clients)))
}

// HandleMessage processes one inbound frame from c.
func (h *Hub) HandleMessage(c *Client, raw []byte) {
	c.touch()

	if !h.limiter.AllowMessage(c.id) {
		h.metrics.MessageDropped("rate_limited")
		h.sendError(c, "", model.ErrRateLimited.Error(), nil)
		return
	}

	env, err := protocol.Parse(raw)
	if err != nil {
		h.metrics.MessageDropped("malformed")
		h.logger.Warn("dropping frame", zap.String("connection_id", c.id), zap.Error(err))
		return
	}
	h.metrics.MessageReceived(string(env.Type))

	switch env.Type {
	case protocol.TypePing:
		h.reply(c, protocol.TypePong, "", nil)
	case protocol.TypePong:
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		h.handleSubscription(c, env)
	default:
		h.route(c, env)
	}
}

func (h *Hub) handleSubscription(c *Client, env protocol.Envelope) {
	var req protocol.SubscribeData
	if err := env.Decode(&req); err != nil {
		h.sendError(c, env.ID, "invalid subscription payload", err.Error())
		return
	}

	update := protocol.SubscriptionUpdatedData{Added: []string{}, Removed: []string{}}
	var err error
	if env.Type == protocol.TypeSubscribe {
		update.Added, update.Subscribed, err = h.Subscribe(c, req.Events)
	} else {
		update.Removed, update.Subscribed, err = h.Unsubscribe(c, req.Events)
	}
	if err != nil {
		h.logger.Debug("subscription change for removed connection", zap.String("connection_id", c.id), zap.Error(err))
		return
	}

	h.logger.Debug("subscriptions updated",
		zap.String("connection_id", c.id),
		zap.Strings("subscribed", update.Subscribed),
	)
	h.reply(c, protocol.TypeSubscriptionUpdated, env.ID, update)
}

func (h *Hub) route(c *Client, env protocol.Envelope) {
	h.mu.RLock()
	router := h.router
	h.mu.RUnlock()

	err := model.ErrNoRoute
	if router != nil {
		err = router.Route(h.ctx, c, env)
	}
	if err == nil {
		return
	}
	if errors.Is(err, model.ErrNoRoute) {
		h.metrics.MessageDropped("no_route")
		h.logger.Debug("no route for message", zap.String("connection_id", c.id), zap.String("type", string(env.Type)))
		return
	}

	h.logger.Warn("message handler failed",
		zap.String("connection_id", c.id),
		zap.String("type", string(env.Type)),
		zap.Error(err),
	)
	h.sendError(c, env.ID, err.Error(), map[string]string{"type": string(env.Type)})
}

func (h *Hub) reply(c *Client, t protocol.MessageType, id string, data any) {
	env, err := protocol.NewWithID(t, id, data)
	if err != nil {
		h.logger.Error("failed to build reply", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := c.SendEnvelope(env); err != nil {
		h.handleSendError(c, t, err)
	}
}

func (h *Hub) sendError(c *Client, id, message string, details any) {
	h.reply(c, protocol.TypeError, id, protocol.ErrorData{Message: message, Details: details})
}
