package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devdash/backend/pkg/protocol"
)

var (
	errConnClosed = errors.New("fake connection closed")
	errRefused    = errors.New("connection refused")
)

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// ReadMessage; written frames are recorded.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) deliver(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := env.Marshal()
	require.NoError(t, err)
	c.inbound <- data
}

func (c *fakeConn) deliverRaw(data string) {
	c.inbound <- []byte(data)
}

// sent returns the envelopes written so far, optionally filtered by type.
func (c *fakeConn) sent(types ...protocol.MessageType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []protocol.Envelope
	for _, raw := range c.written {
		env, err := protocol.Parse(raw)
		if err != nil {
			continue
		}
		if len(types) > 0 && !containsType(types, env.Type) {
			continue
		}
		out = append(out, env)
	}
	return out
}

func containsType(types []protocol.MessageType, t protocol.MessageType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail {
		return nil, errRefused
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// testConfig returns a config with fast timers suitable for tests.
func testConfig(d Dialer) Config {
	return Config{
		URL:                  "ws://hub.test/ws",
		Dialer:               d,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMultiplier:  1.5,
		ReconnectMaxDelay:    5 * time.Millisecond,
		PingInterval:         time.Hour,
		HeartbeatTimeout:     time.Hour,
		MaxQueueSize:         100,
	}
}

func waitOpen(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
}

func decodeEvents(t *testing.T, env protocol.Envelope) []string {
	t.Helper()
	var data protocol.SubscribeData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.Events
}
