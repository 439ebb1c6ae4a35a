// Package lease implements the exclusive per-channel polling lease (spec
// §4.5): at most one cluster node polls a given poll-driven source at
// any time, coordinated purely through the PollingLeases table — there
// is no in-memory gossip between nodes.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/hcengine/integration-engine/internal/logging"
)

// Backend is the store operation the lease manager needs.
type Backend interface {
	TryAcquireLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error)
}

// Manager races for, holds, and renews leases for channels registered
// with it. The holder renews at ttl/2; non-holders retry acquisition on
// the same interval, so convergence after a crash is bounded by
// 1.5*ttl (spec §4.5).
type Manager struct {
	backend  Backend
	serverID string
	ttl      time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	leases  map[string]*leaseState
}

type leaseState struct {
	cancel  context.CancelFunc
	holding bool
	onHold  func(held bool)
}

// New creates a lease manager for this node.
func New(backend Backend, serverID string, ttl time.Duration, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDefault("lease-manager")
	}
	return &Manager{backend: backend, serverID: serverID, ttl: ttl, log: log, leases: make(map[string]*leaseState)}
}

// Run starts racing for channelID's lease and keeps retrying/renewing
// until ctx is cancelled or Stop is called. onHold is invoked (possibly
// from a different goroutine each time) whenever the hold state changes,
// so the caller can start/stop its poller accordingly.
func (m *Manager) Run(ctx context.Context, channelID string, onHold func(held bool)) {
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if existing, ok := m.leases[channelID]; ok {
		existing.cancel()
	}
	state := &leaseState{cancel: cancel, onHold: onHold}
	m.leases[channelID] = state
	m.mu.Unlock()

	go m.loop(runCtx, channelID, state)
}

// Stop cancels the racing/renewal loop for channelID.
func (m *Manager) Stop(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.leases[channelID]; ok {
		state.cancel()
		delete(m.leases, channelID)
	}
}

func (m *Manager) loop(ctx context.Context, channelID string, state *leaseState) {
	interval := m.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.attempt(ctx, channelID, state)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.attempt(ctx, channelID, state)
		}
	}
}

func (m *Manager) attempt(ctx context.Context, channelID string, state *leaseState) {
	var held bool
	var err error
	if state.holding {
		held, err = m.backend.RenewLease(ctx, channelID, m.serverID, m.ttl)
	} else {
		held, err = m.backend.TryAcquireLease(ctx, channelID, m.serverID, m.ttl)
	}
	if err != nil {
		m.log.WithError(err).Warn("lease attempt failed for channel " + channelID)
		held = false
	}
	if held != state.holding {
		state.holding = held
		if state.onHold != nil {
			state.onHold(held)
		}
	}
}

// Holding reports whether this node currently believes it holds
// channelID's lease. This is a local cache for convenience; the
// PollingLeases row remains authoritative (spec §4.5, §5).
func (m *Manager) Holding(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.leases[channelID]; ok {
		return state.holding
	}
	return false
}
