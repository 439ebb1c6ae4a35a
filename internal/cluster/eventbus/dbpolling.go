package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/hcengine/integration-engine/internal/logging"
)

// EventStore is the store operation the database-polling backend needs.
type EventStore interface {
	InsertClusterEvent(ctx context.Context, channel string, data []byte, serverID string) (int64, error)
	PollClusterEvents(ctx context.Context, sinceID int64, excludeServerID string) ([]ClusterEvent, error)
}

// ClusterEvent mirrors store.ClusterEvent without importing the store
// package, so eventbus stays independent of the storage layer's types;
// the composition root adapts store.ClusterEvent to this shape.
type ClusterEvent struct {
	ID      int64
	Channel string
	Data    []byte
}

// DatabasePollingBus writes published events into ClusterEvents and
// polls for events from other servers on a ticker (spec §4.6). Publish
// also dispatches locally, skipping the round-trip for same-node
// subscribers.
type DatabasePollingBus struct {
	store    EventStore
	serverID string
	local    *LocalBus
	log      *logging.Logger

	mu       sync.RWMutex
	lastSeen int64

	cancel context.CancelFunc
}

// NewDatabasePolling starts a background poller at the given interval.
func NewDatabasePolling(ctx context.Context, store EventStore, serverID string, pollInterval time.Duration, log *logging.Logger) *DatabasePollingBus {
	if log == nil {
		log = logging.NewDefault("eventbus-db")
	}
	runCtx, cancel := context.WithCancel(ctx)
	b := &DatabasePollingBus{store: store, serverID: serverID, local: NewLocal(), log: log, cancel: cancel}
	go b.pollLoop(runCtx, pollInterval)
	return b
}

func (b *DatabasePollingBus) pollLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.RLock()
			since := b.lastSeen
			b.mu.RUnlock()
			events, err := b.store.PollClusterEvents(ctx, since, b.serverID)
			if err != nil {
				b.log.WithError(err).Warn("poll cluster events failed")
				continue
			}
			for _, ev := range events {
				b.local.Publish(ctx, ev.Channel, ev.Data)
				b.mu.Lock()
				if ev.ID > b.lastSeen {
					b.lastSeen = ev.ID
				}
				b.mu.Unlock()
			}
		}
	}
}

func (b *DatabasePollingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if _, err := b.store.InsertClusterEvent(ctx, channel, payload, b.serverID); err != nil {
		return err
	}
	return b.local.Publish(ctx, channel, payload)
}

func (b *DatabasePollingBus) Subscribe(channel string, handler Handler) func() {
	return b.local.Subscribe(channel, handler)
}

func (b *DatabasePollingBus) Close() error {
	b.cancel()
	return nil
}

var _ Bus = (*DatabasePollingBus)(nil)
