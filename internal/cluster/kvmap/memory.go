package kvmap

import (
	"context"
	"sync"
)

// InMemoryBackend is the single-node backend (spec §4.7).
type InMemoryBackend struct {
	mu    sync.Mutex
	cells map[string]map[string]*cell
}

type cell struct {
	value   string
	version int64
}

func NewInMemory() *InMemoryBackend {
	return &InMemoryBackend{cells: make(map[string]map[string]*cell)}
}

func (b *InMemoryBackend) Get(ctx context.Context, scope, key string) (string, int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cells[scope][key]
	if !ok {
		return "", 0, false, nil
	}
	return c.value, c.version, true, nil
}

func (b *InMemoryBackend) GetAll(ctx context.Context, scope string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string)
	for k, c := range b.cells[scope] {
		out[k] = c.value
	}
	return out, nil
}

func (b *InMemoryBackend) Set(ctx context.Context, scope, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(scope)
	if c, ok := b.cells[scope][key]; ok {
		c.value = value
		c.version++
	} else {
		b.cells[scope][key] = &cell{value: value}
	}
	return nil
}

func (b *InMemoryBackend) SetIfVersion(ctx context.Context, scope, key, value string, expectedVersion int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensure(scope)
	c, ok := b.cells[scope][key]
	if !ok {
		if expectedVersion != -1 {
			return false, nil
		}
		b.cells[scope][key] = &cell{value: value}
		return true, nil
	}
	if c.version != expectedVersion {
		return false, nil
	}
	c.value = value
	c.version++
	return true, nil
}

func (b *InMemoryBackend) Delete(ctx context.Context, scope, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cells[scope], key)
	return nil
}

func (b *InMemoryBackend) ensure(scope string) {
	if b.cells[scope] == nil {
		b.cells[scope] = make(map[string]*cell)
	}
}

var _ Backend = (*InMemoryBackend)(nil)
