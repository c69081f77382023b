package client

import (
	"sync"

	"github.com/devdash/backend/pkg/protocol"
)

// Handler receives inbound envelopes of the type it was registered for.
type Handler func(env protocol.Envelope)

type handlerRegistry struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[protocol.MessageType]map[uint64]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[protocol.MessageType]map[uint64]Handler),
	}
}

// add registers h for t and returns an idempotent cancel function.
func (r *handlerRegistry) add(t protocol.MessageType, h Handler) func() {
	r.mu.Lock()
	r.next++
	key := r.next
	if r.handlers[t] == nil {
		r.handlers[t] = make(map[uint64]Handler)
	}
	r.handlers[t][key] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.handlers[t], key)
			if len(r.handlers[t]) == 0 {
				delete(r.handlers, t)
			}
		})
	}
}

func (r *handlerRegistry) lookup(t protocol.MessageType) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := r.handlers[t]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handler, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}
