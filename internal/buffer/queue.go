// Package buffer provides the bounded offline queue a client uses to hold
// envelopes while its connection is down.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/devdash/backend/pkg/protocol"
)

// QueuedMessage is an envelope waiting for the connection to come back.
type QueuedMessage struct {
	Envelope   protocol.Envelope
	EnqueuedAt time.Time
}

// MessageQueue is a thread-safe bounded FIFO. When the queue is full the
// oldest message is discarded to make room for the new one.
type MessageQueue struct {
	items    []QueuedMessage
	capacity int
	mu       sync.Mutex
}

// NewMessageQueue creates a new MessageQueue with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewMessageQueue(capacity int) *MessageQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MessageQueue{
		items:    make([]QueuedMessage, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue appends env stamped with the current time.
// It reports whether the oldest message had to be evicted.
func (q *MessageQueue) Enqueue(env protocol.Envelope) bool {
	return q.EnqueueAt(env, time.Now())
}

// EnqueueAt appends env with an explicit enqueue time.
func (q *MessageQueue) EnqueueAt(env protocol.Envelope, at time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.capacity {
		// Shift instead of reslicing so the backing array does not grow forever
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		evicted = true
	}

	q.items = append(q.items, QueuedMessage{Envelope: env, EnqueuedAt: at})
	return evicted
}

// Flush hands every queued envelope to transmit in ascending enqueue time.
// Envelopes that transmit successfully are removed; failures stay queued in
// their original relative order. It returns the number sent.
func (q *MessageQueue) Flush(transmit func(protocol.Envelope) error) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return 0
	}

	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].EnqueuedAt.Before(q.items[j].EnqueuedAt)
	})

	retained := make([]QueuedMessage, 0, q.capacity)
	sent := 0
	for _, item := range q.items {
		if err := transmit(item.Envelope); err != nil {
			retained = append(retained, item)
			continue
		}
		sent++
	}
	q.items = retained

	return sent
}

// Snapshot returns a copy of the queued messages, oldest first.
func (q *MessageQueue) Snapshot() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	result := make([]QueuedMessage, len(q.items))
	copy(result, q.items)
	return result
}

// Clear removes all messages from the queue.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = q.items[:0]
}

// Len returns the current number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Cap returns the capacity of the queue.
func (q *MessageQueue) Cap() int {
	return q.capacity
}
