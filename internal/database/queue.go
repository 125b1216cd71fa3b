package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"medsync/internal/models"
)

// Add inserts change with retry_count 0 and returns the assigned id.
// The record is committed before Add returns. Capture paths only.
func (s *Store) Add(ctx context.Context, change models.PendingChange) (int64, error) {
	return s.insert(ctx, change, 0)
}

// Import inserts a change moved from another queue, keeping its retry count
// clamped to the store's cap. The source id is not reused.
func (s *Store) Import(ctx context.Context, change models.PendingChange) (int64, error) {
	retries := change.RetryCount
	if retries < 0 {
		retries = 0
	}
	if retries > s.maxRetries {
		retries = s.maxRetries
	}
	return s.insert(ctx, change, retries)
}

func (s *Store) insert(ctx context.Context, change models.PendingChange, retries int) (int64, error) {
	if !change.Kind.Valid() {
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, change.Kind)
	}
	if strings.TrimSpace(change.Target) == "" {
		return 0, fmt.Errorf("%w: empty target", ErrInvalidChange)
	}

	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}

	enqueuedAt := change.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = s.now()
	}

	var payload interface{}
	if change.Kind != models.KindDelete && len(change.Payload) > 0 {
		payload = change.Payload
	}

	query := `INSERT INTO pending_changes (kind, target, payload, enqueued_at, retry_count)
              VALUES (?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query, string(change.Kind), change.Target, payload, enqueuedAt.UnixNano(), retries)
	if err != nil {
		return 0, fmt.Errorf("failed to add pending change: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}

	s.logger.Debug().Int64("id", id).Str("kind", string(change.Kind)).Str("target", change.Target).Int("retry_count", retries).Msg("pending change added")
	return id, nil
}

// ListAll returns a snapshot of every pending change ordered by enqueue time.
func (s *Store) ListAll(ctx context.Context) ([]models.PendingChange, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, kind, target, payload, enqueued_at, retry_count
              FROM pending_changes
              ORDER BY enqueued_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	changes := []models.PendingChange{}
	for rows.Next() {
		var (
			c          models.PendingChange
			kind       string
			payload    []byte
			enqueuedAt int64
		)
		if err := rows.Scan(&c.ID, &kind, &c.Target, &payload, &enqueuedAt, &c.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		c.Kind = models.ChangeKind(kind)
		c.Payload = payload
		c.EnqueuedAt = time.Unix(0, enqueuedAt)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending changes: %w", err)
	}
	return changes, nil
}

// Get returns the change with id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*models.PendingChange, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	var (
		c          models.PendingChange
		kind       string
		enqueuedAt int64
	)
	query := `SELECT id, kind, target, payload, enqueued_at, retry_count FROM pending_changes WHERE id = ?`
	err = db.QueryRowContext(ctx, query, id).Scan(&c.ID, &kind, &c.Target, &c.Payload, &enqueuedAt, &c.RetryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending change %d: %w", id, err)
	}
	c.Kind = models.ChangeKind(kind)
	c.EnqueuedAt = time.Unix(0, enqueuedAt)
	return &c, nil
}

// Remove deletes the change. Removing an absent id is not an error.
// Sync engine only.
func (s *Store) Remove(ctx context.Context, id int64) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove pending change %d: %w", id, err)
	}
	return nil
}

// IncrementRetry bumps retry_count by one in a single statement, never past
// the cap. A concurrently removed record is silently skipped. Sync engine only.
func (s *Store) IncrementRetry(ctx context.Context, id int64) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	query := `UPDATE pending_changes SET retry_count = retry_count + 1 WHERE id = ? AND retry_count < ?`
	if _, err := db.ExecContext(ctx, query, id, s.maxRetries); err != nil {
		return fmt.Errorf("failed to increment retry for %d: %w", id, err)
	}
	return nil
}

// Count returns the number of pending changes.
func (s *Store) Count(ctx context.Context) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n, nil
}
