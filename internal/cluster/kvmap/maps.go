package kvmap

import (
	"context"
	"sync"
	"time"

	"github.com/hcengine/integration-engine/internal/logging"
)

// WriteThroughMap is the user-visible map surface (GlobalMap,
// GlobalChannelMap, ConfigurationMap; spec §4.7): reads are synchronous
// from an in-memory cache, writes land in the cache immediately and are
// replicated to the backend fire-and-forget ("last write wins" from the
// backend's point of view).
type WriteThroughMap struct {
	backend Backend
	scope   string
	log     *logging.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewWriteThroughMap builds a map scoped to scope, backed by backend.
func NewWriteThroughMap(backend Backend, scope string, log *logging.Logger) *WriteThroughMap {
	if log == nil {
		log = logging.NewDefault("kvmap")
	}
	return &WriteThroughMap{backend: backend, scope: scope, log: log, cache: make(map[string]string)}
}

// Get returns the last value successfully committed to the in-memory
// cache (spec §4.7 invariant).
func (m *WriteThroughMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.cache[key]
	return v, ok
}

// Set updates the cache synchronously and replicates to the backend in
// the background.
func (m *WriteThroughMap) Set(key, value string) {
	m.mu.Lock()
	m.cache[key] = value
	m.mu.Unlock()

	go func() {
		if err := m.backend.Set(context.Background(), m.scope, key, value); err != nil {
			m.log.WithError(err).Warn("background map replication failed for key " + key)
		}
	}()
}

// Remove deletes from the cache and replicates the delete in the background.
func (m *WriteThroughMap) Remove(key string) {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()

	go func() {
		if err := m.backend.Delete(context.Background(), m.scope, key); err != nil {
			m.log.WithError(err).Warn("background map delete failed for key " + key)
		}
	}()
}

// GetAll returns a snapshot of the current cache.
func (m *WriteThroughMap) GetAll() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.cache))
	for k, v := range m.cache {
		out[k] = v
	}
	return out
}

// Refresh reloads the cache from the backend's current snapshot
// (spec §4.7 "consistent snapshot per call").
func (m *WriteThroughMap) Refresh(ctx context.Context) error {
	all, err := m.backend.GetAll(ctx, m.scope)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cache = all
	m.mu.Unlock()
	return nil
}

// ConfigurationMap periodically refreshes itself from the backend so
// configuration changes propagate across the cluster (spec §4.7).
type ConfigurationMap struct {
	*WriteThroughMap
	cancel context.CancelFunc
}

// NewConfigurationMap starts a background refresh loop at the given
// interval (spec default: 30s).
func NewConfigurationMap(ctx context.Context, backend Backend, interval time.Duration, log *logging.Logger) *ConfigurationMap {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	wtm := NewWriteThroughMap(backend, GlobalScope+":config", log)
	runCtx, cancel := context.WithCancel(ctx)
	cm := &ConfigurationMap{WriteThroughMap: wtm, cancel: cancel}
	_ = wtm.Refresh(ctx)
	go cm.refreshLoop(runCtx, interval)
	return cm
}

func (cm *ConfigurationMap) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = cm.Refresh(ctx)
		}
	}
}

func (cm *ConfigurationMap) Close() { cm.cancel() }
