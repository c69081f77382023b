package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/devdash/backend/pkg/protocol"
)

type ackResult struct {
	env protocol.Envelope
	err error
}

type pendingAck struct {
	id      string
	ackType protocol.MessageType
	result  chan ackResult
	timer   *time.Timer
}

// correlator matches inbound ack envelopes to pending SendWithAck calls.
// Every entry is settled exactly once: by its ack, its timeout, or a cancel.
type correlator struct {
	mu     sync.Mutex
	byID   map[string]*pendingAck
	byType map[protocol.MessageType]*pendingAck
}

func newCorrelator() *correlator {
	return &correlator{
		byID:   make(map[string]*pendingAck),
		byType: make(map[protocol.MessageType]*pendingAck),
	}
}

func (c *correlator) register(base protocol.MessageType, id string, timeout time.Duration) (<-chan ackResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, id)
	}

	p := &pendingAck{
		id:      id,
		ackType: protocol.AckType(base, id),
		result:  make(chan ackResult, 1),
	}
	// The timer callback needs c.mu, so it cannot observe p before it is stored
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(p, ackResult{err: fmt.Errorf("%w: %s after %s", ErrAckTimeout, p.ackType, timeout)})
	})
	c.byID[id] = p
	c.byType[p.ackType] = p

	return p.result, nil
}

func (c *correlator) settle(p *pendingAck, r ackResult) bool {
	c.mu.Lock()
	if cur, ok := c.byID[p.id]; !ok || cur != p {
		c.mu.Unlock()
		return false
	}
	delete(c.byID, p.id)
	delete(c.byType, p.ackType)
	p.timer.Stop()
	c.mu.Unlock()

	p.result <- r
	return true
}

// resolve settles the entry waiting for env.Type. Acks that match nothing
// (late, duplicate or unknown) are ignored.
func (c *correlator) resolve(env protocol.Envelope) bool {
	c.mu.Lock()
	p, ok := c.byType[env.Type]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.settle(p, ackResult{env: env})
}

func (c *correlator) cancel(id string, err error) bool {
	c.mu.Lock()
	p, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.settle(p, ackResult{err: err})
}

func (c *correlator) rejectAll(err error) int {
	c.mu.Lock()
	pending := make([]*pendingAck, 0, len(c.byID))
	for _, p := range c.byID {
		pending = append(pending, p)
	}
	c.mu.Unlock()

	n := 0
	for _, p := range pending {
		if c.settle(p, ackResult{err: err}) {
			n++
		}
	}
	return n
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
