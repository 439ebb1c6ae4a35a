// Package kvmap implements the pluggable shared key/value map (spec
// §4.7): InMemory, Database, and Redis backends behind one interface,
// plus the write-through GlobalMap/GlobalChannelMap/ConfigurationMap
// surface the pipeline scope exposes to user scripts.
package kvmap

import "context"

// Backend is the CAS-capable map surface. setIfVersion with
// expectedVersion == -1 means "insert if absent".
type Backend interface {
	Get(ctx context.Context, scope, key string) (value string, version int64, found bool, err error)
	GetAll(ctx context.Context, scope string) (map[string]string, error)
	Set(ctx context.Context, scope, key, value string) error
	SetIfVersion(ctx context.Context, scope, key, value string, expectedVersion int64) (bool, error)
	Delete(ctx context.Context, scope, key string) error
}

// GlobalScope and the channel-scope prefix used throughout the engine
// (spec §3 "Map cell").
const GlobalScope = "global"

// ChannelScope returns the scope string for a channel-scoped map.
func ChannelScope(channelID string) string { return "gcm:" + channelID }
