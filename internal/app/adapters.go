package app

import (
	"context"
	"time"

	"github.com/hcengine/integration-engine/internal/cluster/eventbus"
	"github.com/hcengine/integration-engine/internal/queue"
	"github.com/hcengine/integration-engine/internal/store"
)

// eventStoreAdapter converts store.ClusterEvent rows into eventbus's own
// ClusterEvent shape so internal/cluster/eventbus need not import
// internal/store (spec §4.6 backend independence).
type eventStoreAdapter struct {
	st store.Store
}

func (a eventStoreAdapter) InsertClusterEvent(ctx context.Context, channel string, data []byte, serverID string) (int64, error) {
	return a.st.InsertClusterEvent(ctx, channel, data, serverID)
}

func (a eventStoreAdapter) PollClusterEvents(ctx context.Context, sinceID int64, excludeServerID string) ([]eventbus.ClusterEvent, error) {
	rows, err := a.st.PollClusterEvents(ctx, sinceID, excludeServerID)
	if err != nil {
		return nil, err
	}
	out := make([]eventbus.ClusterEvent, len(rows))
	for i, r := range rows {
		out[i] = eventbus.ClusterEvent{ID: r.ID, Channel: r.Channel, Data: r.Data}
	}
	return out, nil
}

// queueStoreAdapter scopes store.Store's destination-queue operations
// to one (channelID, destinationName) pair, matching queue.Backend's
// per-destination shape (spec §4.4).
type queueStoreAdapter struct {
	st              store.Store
	channelID       string
	destinationName string
}

func (a queueStoreAdapter) Enqueue(ctx context.Context, messageID int64, metaDataID int) error {
	return a.st.EnqueueEntry(ctx, store.QueueEntry{
		ChannelID: a.channelID, DestinationName: a.destinationName,
		MessageID: messageID, MetaDataID: metaDataID, EnqueuedAt: time.Now(),
	})
}

func (a queueStoreAdapter) DequeueHead(ctx context.Context) (*queue.Entry, error) {
	e, err := a.st.DequeueHead(ctx, a.channelID, a.destinationName)
	if err != nil {
		return nil, err
	}
	return &queue.Entry{MessageID: e.MessageID, MetaDataID: e.MetaDataID, Attempts: e.Attempts}, nil
}

func (a queueStoreAdapter) Remove(ctx context.Context, messageID int64, metaDataID int) error {
	return a.st.RemoveEntry(ctx, a.channelID, a.destinationName, messageID, metaDataID)
}

func (a queueStoreAdapter) RotateToTail(ctx context.Context, messageID int64, metaDataID int) error {
	return a.st.RotateToTail(ctx, a.channelID, a.destinationName, messageID, metaDataID)
}

func (a queueStoreAdapter) UpdateAttempts(ctx context.Context, messageID int64, metaDataID int, attempts int) error {
	return a.st.UpdateEntryAttempts(ctx, a.channelID, a.destinationName, messageID, metaDataID, attempts)
}

func (a queueStoreAdapter) Depth(ctx context.Context) (int, error) {
	return a.st.QueueDepth(ctx, a.channelID, a.destinationName)
}
