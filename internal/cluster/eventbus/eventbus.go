// Package eventbus broadcasts channel-status and dashboard-federation
// events across a cluster (spec §4.6) through one of three substitutable
// backends: Local (in-process), DatabasePolling (ClusterEvents table),
// or Redis pub/sub. All non-local backends are at-least-once; subscribers
// must tolerate duplicates.
package eventbus

import "context"

// Handler receives a published event. Payload encoding is producer/
// consumer agreed (JSON recommended); the bus treats it as opaque bytes.
type Handler func(channel string, payload []byte)

// Bus is the common publish/subscribe surface.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler Handler) (unsubscribe func())
	Close() error
}
