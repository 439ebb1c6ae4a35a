package kvmap

import "context"

// MapStore is the store operation the database backend delegates to
// (the GlobalMap table, spec §4.7/§6.1).
type MapStore interface {
	GetMapValue(ctx context.Context, scope, key string) (value string, version int64, found bool, err error)
	GetAllMapValues(ctx context.Context, scope string) (map[string]string, error)
	SetMapValue(ctx context.Context, scope, key, value string) error
	SetMapValueIfVersion(ctx context.Context, scope, key, value string, expectedVersion int64) (bool, error)
	DeleteMapValue(ctx context.Context, scope, key string) error
}

// DatabaseBackend is a thin adapter from Backend onto the relational
// store's GlobalMap table, so a restart or a peer node sees the same
// state (spec §4.7).
type DatabaseBackend struct {
	store MapStore
}

func NewDatabase(store MapStore) *DatabaseBackend { return &DatabaseBackend{store: store} }

func (b *DatabaseBackend) Get(ctx context.Context, scope, key string) (string, int64, bool, error) {
	return b.store.GetMapValue(ctx, scope, key)
}

func (b *DatabaseBackend) GetAll(ctx context.Context, scope string) (map[string]string, error) {
	return b.store.GetAllMapValues(ctx, scope)
}

func (b *DatabaseBackend) Set(ctx context.Context, scope, key, value string) error {
	return b.store.SetMapValue(ctx, scope, key, value)
}

func (b *DatabaseBackend) SetIfVersion(ctx context.Context, scope, key, value string, expectedVersion int64) (bool, error) {
	return b.store.SetMapValueIfVersion(ctx, scope, key, value, expectedVersion)
}

func (b *DatabaseBackend) Delete(ctx context.Context, scope, key string) error {
	return b.store.DeleteMapValue(ctx, scope, key)
}

var _ Backend = (*DatabaseBackend)(nil)
