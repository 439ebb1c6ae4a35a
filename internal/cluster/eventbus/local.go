package eventbus

import (
	"context"
	"sync"
)

// LocalBus dispatches synchronously to in-process subscribers on
// publish (spec §4.6). It never round-trips through storage.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]Handler
	nextID      int
}

// NewLocal creates an in-process event bus.
func NewLocal() *LocalBus {
	return &LocalBus{subscribers: make(map[string]map[int]Handler)}
}

func (b *LocalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[channel]))
	for _, h := range b.subscribers[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(channel, payload)
	}
	return nil
}

func (b *LocalBus) Subscribe(channel string, handler Handler) func() {
	b.mu.Lock()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subscribers[channel][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers[channel], id)
		b.mu.Unlock()
	}
}

func (b *LocalBus) Close() error { return nil }

var _ Bus = (*LocalBus)(nil)
