package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcengine/integration-engine/internal/crypto"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: sqlx.NewDb(db, "postgres"), encryptor: crypto.NoopEncryptor{}}, mock
}

func TestPostgresStore_TryAcquireLease(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO polling_leases`).
		WithArgs("chan-1", "node-a", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acquired, err := s.TryAcquireLease(context.Background(), "chan-1", "node-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TryAcquireLease_AlreadyHeld(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO polling_leases`).
		WithArgs("chan-1", "node-b", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	acquired, err := s.TryAcquireLease(context.Background(), "chan-1", "node-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertClusterEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO cluster_events`).
		WithArgs("chan-1", []byte("payload"), "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.InsertClusterEvent(context.Background(), "chan-1", []byte("payload"), "node-a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMapValue_Found(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value, version FROM global_map`).
		WithArgs("global", "retryCount").
		WillReturnRows(sqlmock.NewRows([]string{"value", "version"}).AddRow("3", int64(2)))

	value, version, found, err := s.GetMapValue(context.Background(), "global", "retryCount")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "3", value)
	assert.Equal(t, int64(2), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMapValue_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT value, version FROM global_map`).
		WithArgs("global", "missing").
		WillReturnError(sql.ErrNoRows)

	_, _, found, err := s.GetMapValue(context.Background(), "global", "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}
