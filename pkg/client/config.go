package client

import (
	"errors"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotSent is returned by Send when the envelope was neither transmitted nor queued.
	ErrNotSent = errors.New("message not sent")

	// ErrAckTimeout is returned by SendWithAck when no ack arrives in time.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrDuplicateCorrelation is returned when a correlation id is already pending.
	ErrDuplicateCorrelation = errors.New("correlation id already pending")

	// ErrDisconnected rejects pending acks when RejectPendingOnDisconnect is set.
	ErrDisconnected = errors.New("connection manager disconnected")

	// ErrReconnectExhausted is reported once automatic reconnection gives up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrHeartbeatTimeout is the close cause when no inbound frame arrived in time.
	ErrHeartbeatTimeout = errors.New("heartbeat deadline exceeded")
)

// Config holds configuration for a Manager.
type Config struct {
	// URL of the hub socket, e.g. ws://localhost:8080/ws.
	URL    string
	Header http.Header

	// MaxReconnectAttempts bounds automatic reconnection. Zero selects the
	// default; a negative value disables automatic reconnection.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxDelay    time.Duration

	PingInterval     time.Duration
	HeartbeatTimeout time.Duration

	MaxQueueSize int
	AckTimeout   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// RejectPendingOnDisconnect rejects in-flight SendWithAck calls with
	// ErrDisconnected on Disconnect instead of letting them resolve late.
	RejectPendingOnDisconnect bool

	Dialer Dialer
	Logger *zap.Logger
}

const (
	defaultMaxReconnectAttempts = 10
	defaultReconnectBaseDelay   = time.Second
	defaultReconnectMultiplier  = 1.5
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultPingInterval         = 30 * time.Second
	defaultHeartbeatTimeout     = 60 * time.Second
	defaultMaxQueueSize         = 100
	defaultAckTimeout           = 10 * time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 10 * time.Second
)

// DefaultConfig returns the default configuration for url.
func DefaultConfig(url string) Config {
	cfg := Config{URL: url}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = defaultReconnectMultiplier
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{WriteTimeout: c.WriteTimeout}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c Config) maxAttempts() int {
	if c.MaxReconnectAttempts < 0 {
		return 0
	}
	return c.MaxReconnectAttempts
}

// BackoffDelay returns the delay before reconnection attempt n (1-based):
// min(base * multiplier^(n-1), max).
func (c Config) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.ReconnectBaseDelay) * math.Pow(c.ReconnectMultiplier, float64(attempt-1))
	if d >= float64(c.ReconnectMaxDelay) {
		return c.ReconnectMaxDelay
	}
	return time.Duration(d)
}
