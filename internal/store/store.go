// Package store is the DAO for every persisted entity in spec.md §4.1:
// per-channel message tables, the sequence row, the shared map, polling
// leases, and the cluster event log. Two implementations exist:
// Postgres (for production/clustered deployment) and an in-memory store
// (for tests and single-node/dev mode), selected by whether a DSN is
// configured — mirroring the teacher's cmd/appserver DSN-empty fallback.
package store

import (
	"context"
	"time"

	"github.com/hcengine/integration-engine/internal/model"
)

// Store is the full DAO surface the engine depends on.
type Store interface {
	// Schema lifecycle.
	EnsureCoreSchema(ctx context.Context) error
	DeployChannel(ctx context.Context, ch *model.Channel) error

	// Messages.
	AllocateSequenceBlock(ctx context.Context, channelID string, blockSize int64) (start, end int64, err error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	MarkMessageProcessed(ctx context.Context, channelID string, messageID int64) error

	UpsertConnectorMessage(ctx context.Context, cm *model.ConnectorMessage) error
	GetConnectorMessage(ctx context.Context, channelID string, messageID int64, metaDataID int) (*model.ConnectorMessage, error)

	// MarkInFlightHalted moves every non-terminal connector message for
	// channelID to ERROR with errorCode, returning the number of rows
	// affected (spec §4.8 "Stop ... on expiry it halts").
	MarkInFlightHalted(ctx context.Context, channelID, errorCode string) (int, error)

	WriteContent(ctx context.Context, channelID string, messageID int64, metaDataID int, content *model.Content) error
	ReadContent(ctx context.Context, channelID string, messageID int64, metaDataID int, ct model.ContentType) (*model.Content, error)

	WriteCustomMetaData(ctx context.Context, channelID string, messageID int64, metaDataID int, values map[string]interface{}) error

	InsertAttachment(ctx context.Context, att *model.Attachment) error
	GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*model.Attachment, error)

	// Destination queue persistence (spec §4.4).
	EnqueueEntry(ctx context.Context, entry QueueEntry) error
	DequeueHead(ctx context.Context, channelID, destinationName string) (*QueueEntry, error)
	RemoveEntry(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int) error
	RotateToTail(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int) error
	UpdateEntryAttempts(ctx context.Context, channelID, destinationName string, messageID int64, metaDataID int, attempts int) error
	QueueDepth(ctx context.Context, channelID, destinationName string) (int, error)

	// Cluster coordination.
	TryAcquireLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, channelID, serverID string, ttl time.Duration) (bool, error)
	ReadLease(ctx context.Context, channelID string) (*Lease, error)

	InsertClusterEvent(ctx context.Context, channel string, data []byte, serverID string) (int64, error)
	PollClusterEvents(ctx context.Context, sinceID int64, excludeServerID string) ([]ClusterEvent, error)

	GetMapValue(ctx context.Context, scope, key string) (value string, version int64, found bool, err error)
	GetAllMapValues(ctx context.Context, scope string) (map[string]string, error)
	SetMapValue(ctx context.Context, scope, key, value string) error
	SetMapValueIfVersion(ctx context.Context, scope, key, value string, expectedVersion int64) (bool, error)
	DeleteMapValue(ctx context.Context, scope, key string) error

	RegisterServer(ctx context.Context, serverID, hostname string) error
	Heartbeat(ctx context.Context, serverID string) error
}

// QueueEntry is one persisted, ordered tuple in a destination's FIFO
// (spec §3 "Queue entry").
type QueueEntry struct {
	ChannelID       string
	DestinationName string
	MessageID       int64
	MetaDataID      int
	Attempts        int
	EnqueuedAt      time.Time
	Position        int64 // monotonic ordering key within the destination
}

// Lease is the exclusive polling right for one channel (spec §3 "Lease").
type Lease struct {
	ChannelID string
	ServerID  string
	AcquiredAt time.Time
	RenewedAt  time.Time
	ExpiresAt  time.Time
}

// ClusterEvent is an append-only row backing the database-polling event
// bus (spec §3 "Cluster event").
type ClusterEvent struct {
	ID        int64
	Channel   string
	Data      []byte
	CreatedAt time.Time
	ServerID  string
}

// ErrNotFound is returned by read operations that find no matching row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
