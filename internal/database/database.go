package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"medsync/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// ErrInvalidChange is returned by Add for changes that cannot be replayed.
var ErrInvalidChange = errors.New("invalid pending change")

// Store is the durable queue of pending changes.
//
// A Store is an explicit handle: create it once and pass it to every
// component that needs it. The backing SQLite file is opened lazily by the
// first operation (or an explicit Open) and shared by all callers.
type Store struct {
	path       string
	maxRetries int
	now        func() time.Time
	logger     zerolog.Logger

	openOnce sync.Once
	openErr  error
	db       *sql.DB
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries sets the retry_count cap enforced by IncrementRetry.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithClock overrides the clock used to stamp changes without EnqueuedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With().Str("component", "queue-store").Logger()
		}
	}
}

// NewStore returns an unopened handle for the queue file at path.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:       path,
		maxRetries: models.DefaultMaxRetries,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the queue file location.
func (s *Store) Path() string {
	return s.path
}

// MaxRetries returns the retry cap.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// Open establishes the backing store and its schema. It is idempotent and
// safe for concurrent use; a failure is permanent for this handle and is
// returned by every later operation. The caller's cancellation does not apply
// to the open itself, so it cannot be mistaken for a storage failure.
func (s *Store) Open(ctx context.Context) error {
	s.openOnce.Do(func() {
		s.db, s.openErr = s.open(context.WithoutCancel(ctx))
		if s.openErr != nil {
			s.logger.Error().Err(s.openErr).Str("path", s.path).Msg("queue store open failed")
			return
		}
		s.logger.Info().Str("path", s.path).Msg("queue store opened")
	})
	return s.openErr
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	if s.path == "" {
		return nil, errors.New("failed to open queue store: empty path")
	}
	if s.path != ":memory:" {
		dir := filepath.Dir(s.path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	// One connection serializes statements; each statement is its own transaction.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to queue store: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read queue schema version: %w", err)
	}
	if version > models.SchemaVersion {
		return fmt.Errorf("queue schema version %d is newer than supported %d", version, models.SchemaVersion)
	}
	if version == models.SchemaVersion {
		return nil
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS pending_changes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind TEXT NOT NULL,
            target TEXT NOT NULL,
            payload BLOB,
            enqueued_at INTEGER NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE INDEX IF NOT EXISTS idx_pending_changes_enqueued_at ON pending_changes(enqueued_at)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, models.SchemaVersion),
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s.db, nil
}

// PingContext checks the underlying connection.
func (s *Store) PingContext(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the backing store. Closing an unopened handle is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
