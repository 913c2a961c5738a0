package sqlstore

import (
	"cequeue/internal/domain"
	"cequeue/internal/ports"
	"cequeue/internal/ports/storetest"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, DialectSQLite, filepath.Join(t.TempDir(), "ce.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.QueueStore {
		return openSQLite(t)
	})
}

func TestPostgresStore_Contract(t *testing.T) {
	url := os.Getenv("CE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, DialectPostgres, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	storetest.Run(t, func(t *testing.T) ports.QueueStore {
		_, err := s.DB().ExecContext(ctx, `TRUNCATE ce_queue, ce_activity RESTART IDENTITY`)
		require.NoError(t, err)
		return s
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	current, latest, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
	assert.Equal(t, latest, current)
}

func TestInsert_DuplicateUUID(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	task := domain.Task{UUID: "u1", Type: "REPORT", SubmittedAt: time.UnixMilli(1)}

	_, err := s.Insert(ctx, task)
	require.NoError(t, err)
	_, err = s.Insert(ctx, task)
	assert.ErrorIs(t, err, domain.ErrInvalidTask)
	assert.NotErrorIs(t, err, domain.ErrDuplicateTask)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Close())

	_, err := s.ClaimOldestPending(context.Background(), time.Now(), "w1")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestOpen_UnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := New(nil, DialectPostgres)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := New(nil, DialectSQLite)
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError("op", nil))

	dup := &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "ce_queue_component_key_idx"}
	assert.ErrorIs(t, mapError("insert", dup), domain.ErrDuplicateTask)

	uuidDup := &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "ce_queue_uuid_key"}
	assert.ErrorIs(t, mapError("insert", uuidDup), domain.ErrInvalidTask)

	notFound := errors.Join(domain.ErrTaskNotFound)
	assert.ErrorIs(t, mapError("archive", notFound), domain.ErrTaskNotFound)

	assert.ErrorIs(t, mapError("claim", errors.New("connection reset")), domain.ErrStoreUnavailable)
	assert.False(t, isBusy(errors.New("database is locked")))
}
