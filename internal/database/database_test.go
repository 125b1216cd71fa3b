package database

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"medsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	logger := zerolog.Nop()
	opts = append([]Option{WithLogger(&logger)}, opts...)
	store := NewStore(filepath.Join(t.TempDir(), "queue.db"), opts...)
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "queue.db")
	store := NewStore(dbPath)
	defer store.Close()

	require.NoError(t, store.Open(context.Background()))
	assert.FileExists(t, dbPath)
}

func TestOpen_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := store.db
	require.NoError(t, store.Open(ctx))
	require.NoError(t, store.Open(ctx))
	assert.Same(t, first, store.db)
}

func TestOpen_ConcurrentCallersShareHandle(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Open(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.NotNil(t, store.db)
}

func TestOpen_FailureIsSticky(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	store := NewStore(filepath.Join(blocker, "queue.db"))
	ctx := context.Background()

	openErr := store.Open(ctx)
	require.Error(t, openErr)

	_, err := store.Add(ctx, models.PendingChange{Kind: models.KindCreate, Target: "/api/medicamentos"})
	assert.ErrorIs(t, err, openErr)
	_, err = store.ListAll(ctx)
	assert.ErrorIs(t, err, openErr)
	assert.ErrorIs(t, store.Remove(ctx, 1), openErr)
	assert.ErrorIs(t, store.IncrementRetry(ctx, 1), openErr)
	_, err = store.Count(ctx)
	assert.ErrorIs(t, err, openErr)
	assert.NoError(t, store.Close())
}

func TestOpen_CancelledFirstCallerDoesNotPoisonHandle(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, store.Open(ctx))

	id, err := store.Add(context.Background(), models.PendingChange{Kind: models.KindCreate, Target: "/api/medicamentos"})
	require.NoError(t, err)
	assert.Positive(t, id)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_SchemaVersion(t *testing.T) {
	store := setupTestStore(t)

	var version int
	require.NoError(t, store.db.QueryRow(`PRAGMA user_version`).Scan(&version))
	assert.Equal(t, models.SchemaVersion, version)

	var index string
	err := store.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'pending_changes'`).Scan(&index)
	require.NoError(t, err)
	assert.Equal(t, "idx_pending_changes_enqueued_at", index)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store := NewStore(path)
	require.NoError(t, store.Open(context.Background()))
	_, err := store.db.Exec(`PRAGMA user_version = 99`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := NewStore(path)
	defer reopened.Close()
	assert.Error(t, reopened.Open(context.Background()))
}

func TestStore_Ping(t *testing.T) {
	store := setupTestStore(t)
	assert.NoError(t, store.PingContext(context.Background()))
}

func TestClose_Unopened(t *testing.T) {
	assert.NoError(t, NewStore("never-opened.db").Close())
}
