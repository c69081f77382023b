// Package ratelimit limits WebSocket upgrade attempts per IP and inbound
// frames per connection.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP limiter allowing r attempts per second with
// the given burst.
func NewIPRateLimiter(r float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether another attempt from addr is allowed. addr may be a
// bare IP or host:port. Empty addresses are always allowed.
func (l *IPRateLimiter) Allow(addr string) bool {
	ip := ExtractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Sweep drops entries not seen within idle and returns how many were removed.
func (l *IPRateLimiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-idle)
	removed := 0
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// ClientRateLimiter limits inbound frames per connection id.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter creates a per-connection limiter.
func NewClientRateLimiter(r float64, burst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether another frame from clientID is allowed.
func (l *ClientRateLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove forgets the limiter of a disconnected client.
func (l *ClientRateLimiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

// Len returns the number of tracked clients.
func (l *ClientRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// ExtractIP returns the host part of addr, or addr itself when it has no port.
func ExtractIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Config holds rate limiting settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	ConnectionsPerSecond float64 `yaml:"connections_per_second"`
	ConnectionBurst      int     `yaml:"connection_burst"`

	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
}

// DefaultConfig returns the default rate limiting settings.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		ConnectionsPerSecond: 100.0 / 60.0,
		ConnectionBurst:      20,
		MessagesPerSecond:    100,
		MessageBurst:         50,
	}
}

// Manager coordinates the IP and per-connection limiters. A nil or disabled
// Manager allows everything.
type Manager struct {
	ip     *IPRateLimiter
	client *ClientRateLimiter
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{}
	}

	m := &Manager{}
	if cfg.ConnectionsPerSecond > 0 {
		m.ip = NewIPRateLimiter(cfg.ConnectionsPerSecond, cfg.ConnectionBurst)
	}
	if cfg.MessagesPerSecond > 0 {
		m.client = NewClientRateLimiter(cfg.MessagesPerSecond, cfg.MessageBurst)
	}
	return m
}

// AllowConnection checks a new upgrade attempt from addr.
func (m *Manager) AllowConnection(addr string) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowMessage checks an inbound frame from clientID.
func (m *Manager) AllowMessage(clientID string) bool {
	if m == nil || m.client == nil {
		return true
	}
	return m.client.Allow(clientID)
}

// OnClientDisconnect releases the per-connection limiter.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m == nil || m.client == nil {
		return
	}
	m.client.Remove(clientID)
}

// Sweep drops IP entries idle for longer than idle.
func (m *Manager) Sweep(idle time.Duration) int {
	if m == nil || m.ip == nil {
		return 0
	}
	return m.ip.Sweep(idle)
}
