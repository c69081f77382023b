package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devdash/backend/internal/buffer"
	"github.com/devdash/backend/pkg/protocol"
)

// State is the lifecycle state of a Manager's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// epoch owns every resource created for one connection attempt. dispose
// releases all of them and is safe to call more than once.
type epoch struct {
	ctx     context.Context
	cancel  context.CancelFunc
	conn    Conn
	writeMu sync.Mutex

	pingTicker *time.Ticker
	deadline   *time.Timer

	disposeOnce sync.Once
}

func (e *epoch) write(data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteMessage(data)
}

func (e *epoch) dispose() {
	e.disposeOnce.Do(func() {
		e.cancel()
		if e.pingTicker != nil {
			e.pingTicker.Stop()
		}
		if e.deadline != nil {
			e.deadline.Stop()
		}
		if e.conn != nil {
			_ = e.conn.Close()
		}
	})
}

// Manager owns one logical connection to the hub: lifecycle, reconnection
// with backoff, heartbeat, offline queueing, subscriptions and ack/progress
// correlation.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu                sync.Mutex
	state             State
	reconnectAttempts int
	exhausted         bool
	subscriptions     map[string]struct{}
	epoch             *epoch
	reconnectTimer    *time.Timer
	connectionID      string

	queue    *buffer.MessageQueue
	acks     *correlator
	handlers *handlerRegistry

	notifyMu          sync.RWMutex
	onStateChange     func(State)
	onReconnectFailed func(error)
}

// New creates a Manager. It does not connect until Connect is called.
func New(cfg Config) *Manager {
	cfg.applyDefaults()

	return &Manager{
		cfg:           cfg,
		logger:        cfg.Logger.Named("client"),
		subscriptions: make(map[string]struct{}),
		queue:         buffer.NewMessageQueue(cfg.MaxQueueSize),
		acks:          newCorrelator(),
		handlers:      newHandlerRegistry(),
	}
}

// OnStateChange sets the callback invoked after every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.onStateChange = fn
}

// OnReconnectFailed sets the callback invoked when automatic reconnection
// gives up. Only an explicit Connect resumes after that.
func (m *Manager) OnReconnectFailed(fn func(error)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.onReconnectFailed = fn
}

// On registers h for inbound envelopes of type t. The returned function
// removes the registration.
func (m *Manager) On(t protocol.MessageType, h Handler) func() {
	return m.handlers.add(t, h)
}

// Connect starts connecting if the manager is disconnected; otherwise it is
// a no-op. After automatic reconnection has been exhausted, Connect resets
// the attempt counter so the backoff schedule starts over.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.exhausted {
		m.reconnectAttempts = 0
		m.exhausted = false
	}
	started := m.connectLocked()
	m.mu.Unlock()

	if started {
		m.notifyState(StateConnecting)
	}
}

func (m *Manager) connectLocked() bool {
	if m.state != StateDisconnected {
		return false
	}
	m.stopReconnectTimerLocked()

	ctx, cancel := context.WithCancel(context.Background())
	ep := &epoch{ctx: ctx, cancel: cancel}
	m.epoch = ep
	m.state = StateConnecting

	go m.dial(ep)
	return true
}

// Disconnect closes the connection and cancels all timers. Subscriptions and
// queued messages are kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	ep := m.epoch
	m.epoch = nil
	prev := m.state
	if ep != nil {
		m.state = StateClosing
	}
	m.mu.Unlock()

	if ep != nil {
		m.notifyState(StateClosing)
		ep.dispose()
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.connectionID = ""
	m.mu.Unlock()

	if m.cfg.RejectPendingOnDisconnect {
		if n := m.acks.rejectAll(ErrDisconnected); n > 0 {
			m.logger.Debug("rejected pending acks on disconnect", zap.Int("count", n))
		}
	}

	if prev != StateDisconnected {
		m.notifyState(StateDisconnected)
	}
}

func (m *Manager) dial(ep *epoch) {
	ctx, cancel := context.WithTimeout(ep.ctx, m.cfg.DialTimeout)
	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL, m.cfg.Header)
	cancel()
	if err != nil {
		m.logger.Warn("connect failed", zap.String("url", m.cfg.URL), zap.Error(err))
		m.handleDrop(ep, err)
		return
	}

	m.mu.Lock()
	if m.epoch != ep {
		// Disconnected while dialing
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	ep.conn = conn
	m.state = StateOpen
	m.reconnectAttempts = 0
	m.exhausted = false
	m.startHeartbeatLocked(ep)
	m.replaySubscriptionsLocked(ep)
	sent := m.queue.Flush(func(env protocol.Envelope) error {
		return m.writeEnvelope(ep, env)
	})
	remaining := m.queue.Len()
	m.mu.Unlock()

	m.logger.Info("connected",
		zap.String("url", m.cfg.URL),
		zap.Int("flushed", sent),
		zap.Int("still_queued", remaining),
	)
	m.notifyState(StateOpen)

	go m.readLoop(ep)
}

func (m *Manager) startHeartbeatLocked(ep *epoch) {
	ep.deadline = time.AfterFunc(m.cfg.HeartbeatTimeout, func() {
		m.logger.Warn("no inbound traffic, closing connection",
			zap.Duration("heartbeat_timeout", m.cfg.HeartbeatTimeout))
		m.handleDrop(ep, ErrHeartbeatTimeout)
	})

	if m.cfg.PingInterval > 0 {
		ep.pingTicker = time.NewTicker(m.cfg.PingInterval)
		go m.pingLoop(ep, ep.pingTicker.C)
	}
}

func (m *Manager) pingLoop(ep *epoch, tick <-chan time.Time) {
	for {
		select {
		case <-ep.ctx.Done():
			return
		case <-tick:
			if err := m.sendControl(ep, protocol.TypePing, nil); err != nil {
				m.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) replaySubscriptionsLocked(ep *epoch) {
	if len(m.subscriptions) == 0 {
		return
	}
	events := m.subscriptionListLocked()
	if err := m.sendControl(ep, protocol.TypeSubscribe, protocol.SubscribeData{Events: events}); err != nil {
		m.logger.Warn("subscription replay failed", zap.Error(err))
	}
}

func (m *Manager) readLoop(ep *epoch) {
	for {
		data, err := ep.conn.ReadMessage()
		if err != nil {
			if ep.ctx.Err() == nil {
				m.logger.Warn("connection lost", zap.Error(err))
			}
			m.handleDrop(ep, err)
			return
		}
		m.handleFrame(ep, data)
	}
}

// handleDrop tears down ep after a transport failure and schedules the next
// attempt. Calls for an epoch that is no longer current are ignored.
func (m *Manager) handleDrop(ep *epoch, cause error) {
	m.mu.Lock()
	if m.epoch != ep {
		m.mu.Unlock()
		return
	}
	ep.dispose()
	m.epoch = nil
	m.state = StateDisconnected
	m.connectionID = ""
	exhaustedErr := m.scheduleReconnectLocked(cause)
	m.mu.Unlock()

	m.notifyState(StateDisconnected)
	if exhaustedErr != nil {
		m.logger.Error("giving up on reconnection", zap.Error(exhaustedErr))
		m.notifyReconnectFailed(exhaustedErr)
	}
}

func (m *Manager) scheduleReconnectLocked(cause error) error {
	if m.reconnectAttempts >= m.cfg.maxAttempts() {
		m.exhausted = true
		return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.reconnectAttempts, cause)
	}

	m.reconnectAttempts++
	delay := m.cfg.BackoffDelay(m.reconnectAttempts)
	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", m.reconnectAttempts),
		zap.Int("max_attempts", m.cfg.maxAttempts()),
		zap.Duration("delay", delay),
	)

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.reconnectTimer != timer {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		started := m.connectLocked()
		m.mu.Unlock()

		if started {
			m.notifyState(StateConnecting)
		}
	})
	m.reconnectTimer = timer
	return nil
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) handleFrame(ep *epoch, data []byte) {
	ep.deadline.Reset(m.cfg.HeartbeatTimeout)

	env, err := protocol.Parse(data)
	if err != nil {
		m.logger.Warn("dropping frame", zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypePing:
		if err := m.sendControl(ep, protocol.TypePong, nil); err != nil {
			m.logger.Debug("pong failed", zap.Error(err))
		}
	case protocol.TypeWelcome:
		var welcome protocol.WelcomeData
		if err := env.Decode(&welcome); err != nil {
			m.logger.Warn("bad welcome", zap.Error(err))
			break
		}
		m.mu.Lock()
		if m.epoch == ep {
			m.connectionID = welcome.ConnectionID
		}
		m.mu.Unlock()
		m.logger.Debug("welcomed", zap.String("connection_id", welcome.ConnectionID))
	case protocol.TypeError:
		var e protocol.ErrorData
		_ = env.Decode(&e)
		m.logger.Warn("hub reported error", zap.String("message", e.Message))
	}

	if m.acks.resolve(env) {
		return
	}

	handlers := m.handlers.lookup(env.Type)
	if len(handlers) == 0 {
		if !env.Type.IsControl() {
			m.logger.Debug("no handler for envelope", zap.String("type", string(env.Type)))
		}
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

func (m *Manager) writeEnvelope(ep *epoch, env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return ep.write(data)
}

func (m *Manager) sendControl(ep *epoch, t protocol.MessageType, data any) error {
	env, err := protocol.New(t, data)
	if err != nil {
		return err
	}
	return m.writeEnvelope(ep, env)
}

type sendOptions struct {
	queueIfOffline bool
	id             string
}

// SendOption customises a single Send call.
type SendOption func(*sendOptions)

// WithoutQueue makes Send fail with ErrNotSent instead of queueing when the
// connection is not open.
func WithoutQueue() SendOption {
	return func(o *sendOptions) {
		o.queueIfOffline = false
	}
}

func withID(id string) SendOption {
	return func(o *sendOptions) {
		o.id = id
	}
}

// Send transmits an envelope of type t, or queues it while offline.
// It returns the envelope id.
func (m *Manager) Send(t protocol.MessageType, data any, opts ...SendOption) (string, error) {
	o := sendOptions{queueIfOffline: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = protocol.NewID()
	}

	env, err := protocol.NewWithID(t, o.id, data)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOpen && m.epoch != nil {
		err := m.writeEnvelope(m.epoch, env)
		if err == nil {
			return o.id, nil
		}
		m.logger.Debug("write failed", zap.String("type", string(t)), zap.Error(err))
	}

	if !o.queueIfOffline || t.IsControl() {
		return "", ErrNotSent
	}

	if m.queue.Enqueue(env) {
		m.logger.Warn("offline queue full, dropped oldest message",
			zap.Int("capacity", m.queue.Cap()))
	}
	return o.id, nil
}

// Subscribe adds events to the subscription set and, when open, tells the
// hub immediately. Control envelopes are never queued.
func (m *Manager) Subscribe(events ...string) error {
	return m.updateSubscriptions(protocol.TypeSubscribe, events)
}

// Unsubscribe removes events from the subscription set.
func (m *Manager) Unsubscribe(events ...string) error {
	return m.updateSubscriptions(protocol.TypeUnsubscribe, events)
}

func (m *Manager) updateSubscriptions(t protocol.MessageType, events []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(events))
	changed := make([]string, 0, len(events))
	for _, e := range events {
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		changed = append(changed, e)

		if t == protocol.TypeSubscribe {
			m.subscriptions[e] = struct{}{}
		} else {
			delete(m.subscriptions, e)
		}
	}

	if len(changed) == 0 || m.state != StateOpen || m.epoch == nil {
		return nil
	}
	return m.sendControl(m.epoch, t, protocol.SubscribeData{Events: changed})
}

// SendWithAck sends an envelope and waits for the matching
// "<type>_ack_<id>" envelope. It fails with ErrAckTimeout if none arrives
// within timeout, or with ctx's error if ctx ends first.
func (m *Manager) SendWithAck(ctx context.Context, t protocol.MessageType, data any, timeout time.Duration) (protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = m.cfg.AckTimeout
	}

	id := protocol.NewID()
	result, err := m.acks.register(t, id, timeout)
	if err != nil {
		return protocol.Envelope{}, err
	}

	if _, err := m.Send(t, data, withID(id)); err != nil {
		m.acks.cancel(id, err)
		return protocol.Envelope{}, err
	}

	select {
	case r := <-result:
		return r.env, r.err
	case <-ctx.Done():
		if m.acks.cancel(id, ctx.Err()) {
			return protocol.Envelope{}, ctx.Err()
		}
		r := <-result
		return r.env, r.err
	}
}

// SendWithProgress sends an envelope and calls onProgress for every
// "<type>_progress_<id>" envelope until the returned cancel is called.
func (m *Manager) SendWithProgress(t protocol.MessageType, data any, onProgress Handler) (string, func(), error) {
	id := protocol.NewID()
	cancel := m.handlers.add(protocol.ProgressType(t, id), onProgress)

	if _, err := m.Send(t, data, withID(id)); err != nil {
		cancel()
		return "", func() {}, err
	}
	return id, cancel, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the id assigned by the hub's welcome, if any.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// ReconnectAttempts returns the number of reconnection attempts since the
// last successful open.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}

// Subscriptions returns the local subscription set, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptionListLocked()
}

func (m *Manager) subscriptionListLocked() []string {
	events := make([]string, 0, len(m.subscriptions))
	for e := range m.subscriptions {
		events = append(events, e)
	}
	sort.Strings(events)
	return events
}

// QueueLen returns the number of envelopes waiting in the offline queue.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// PendingAcks returns the number of unsettled SendWithAck calls.
func (m *Manager) PendingAcks() int {
	return m.acks.len()
}

func (m *Manager) notifyState(s State) {
	m.notifyMu.RLock()
	fn := m.onStateChange
	m.notifyMu.RUnlock()

	if fn != nil {
		fn(s)
	}
}

func (m *Manager) notifyReconnectFailed(err error) {
	m.notifyMu.RLock()
	fn := m.onReconnectFailed
	m.notifyMu.RUnlock()

	if fn != nil {
		fn(err)
	}
}

// IsTimeout reports whether err came from an ack deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrAckTimeout)
}
