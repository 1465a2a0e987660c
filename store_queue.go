package waypoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/waypoint/internal/dirty"
	"github.com/hyperengineering/waypoint/internal/retryqueue"
)

// queueBackend persists the retry queue in the retry_queue table.
// Position orders entries; requeueing moves an entry past the current tail.
type queueBackend struct {
	s *Store
}

var _ retryqueue.Backend = queueBackend{}

// QueueBackend returns the retry-queue storage backed by this store.
func (s *Store) QueueBackend() retryqueue.Backend {
	return queueBackend{s: s}
}

const queueColumns = `id, op, kind, entity_id, payload, analytics, seq, revision, attempts, stalled, last_error, enqueued_at, updated_at`

func (b queueBackend) Upsert(ctx context.Context, e retryqueue.Entry) (retryqueue.Entry, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return retryqueue.Entry{}, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return retryqueue.Entry{}, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO retry_queue (position, op, kind, entity_id, payload, analytics, seq, revision, attempts, stalled, enqueued_at, updated_at)
		VALUES ((SELECT COALESCE(MAX(position), 0) + 1 FROM retry_queue), ?, ?, ?, ?, ?, ?, 1, 0, 0, ?, ?)
		ON CONFLICT(kind, entity_id) DO UPDATE SET
			op = excluded.op,
			payload = excluded.payload,
			analytics = excluded.analytics,
			seq = excluded.seq,
			revision = retry_queue.revision + 1,
			updated_at = excluded.updated_at
	`,
		e.Op,
		e.Kind,
		e.EntityID,
		e.Payload,
		e.Analytics,
		int64(e.Seq),
		e.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return retryqueue.Entry{}, fmt.Errorf("store: upsert queue entry: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM retry_queue WHERE kind = ? AND entity_id = ?`, e.Kind, e.EntityID)
	saved, err := scanQueueEntry(row)
	if err != nil {
		return retryqueue.Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return retryqueue.Entry{}, fmt.Errorf("store: commit queue entry: %w", err)
	}
	return saved, nil
}

func (b queueBackend) List(ctx context.Context) ([]retryqueue.Entry, error) {
	s := b.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM retry_queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("store: list queue: %w", err)
	}
	defer rows.Close()

	var out []retryqueue.Entry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b queueBackend) Get(ctx context.Context, id int64) (retryqueue.Entry, error) {
	s := b.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return retryqueue.Entry{}, ErrStoreClosed
	}

	e, err := scanQueueEntry(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM retry_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return retryqueue.Entry{}, retryqueue.ErrNotFound
	}
	return e, err
}

func (b queueBackend) Requeue(ctx context.Context, id, revision int64, attempts int, stalled bool, lastErr string) (bool, error) {
	return b.exec(ctx, "requeue", `
		UPDATE retry_queue SET
			position = (SELECT MAX(position) + 1 FROM retry_queue),
			attempts = ?,
			stalled = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ? AND revision = ?
	`, attempts, boolToInt(stalled), nullString(lastErr), b.s.now().UTC().Format(time.RFC3339Nano), id, revision)
}

func (b queueBackend) Remove(ctx context.Context, id, revision int64) (bool, error) {
	return b.exec(ctx, "remove", `DELETE FROM retry_queue WHERE id = ? AND revision = ?`, id, revision)
}

func (b queueBackend) Discard(ctx context.Context, id int64) (bool, error) {
	return b.exec(ctx, "discard", `DELETE FROM retry_queue WHERE id = ?`, id)
}

func (b queueBackend) RemoveEntity(ctx context.Context, kind, entityID string, seq uint64) (int, error) {
	return b.count(ctx, "remove entity", `DELETE FROM retry_queue WHERE kind = ? AND entity_id = ? AND seq <= ?`, kind, entityID, int64(seq))
}

func (b queueBackend) Unstall(ctx context.Context) (int, error) {
	return b.count(ctx, "unstall", `UPDATE retry_queue SET stalled = 0, attempts = 0 WHERE stalled = 1`)
}

func (b queueBackend) Clear(ctx context.Context) (int, error) {
	return b.count(ctx, "clear", `DELETE FROM retry_queue`)
}

func (b queueBackend) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	n, err := b.count(ctx, op, query, args...)
	return n > 0, err
}

func (b queueBackend) count(ctx context.Context, op, query string, args ...any) (int, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: %s queue entry: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: %s queue entry: %w", op, err)
	}
	return int(n), nil
}

func scanQueueEntry(sc scanner) (retryqueue.Entry, error) {
	var (
		e          retryqueue.Entry
		seq        int64
		stalled    int
		lastErr    sql.NullString
		enqueuedAt string
		updatedAt  string
	)
	err := sc.Scan(
		&e.ID, &e.Op, &e.Kind, &e.EntityID, &e.Payload, &e.Analytics,
		&seq, &e.Revision, &e.Attempts, &stalled, &lastErr, &enqueuedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("store: scan queue entry: %w", err)
	}
	e.Seq = uint64(seq)
	e.Stalled = stalled != 0
	e.LastError = lastErr.String
	e.EnqueuedAt = parseTime(enqueuedAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveDirty persists a dirty record.
func (s *Store) SaveDirty(r dirty.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO dirty_records (kind, entity_id, dirty_since, seq) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, entity_id) DO UPDATE SET seq = excluded.seq
	`, r.Kind, r.EntityID, r.DirtySince.UTC().Format(time.RFC3339Nano), int64(r.Seq))
	if err != nil {
		return fmt.Errorf("store: save dirty record: %w", err)
	}
	return nil
}

// DeleteDirty removes a persisted dirty record.
func (s *Store) DeleteDirty(kind, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM dirty_records WHERE kind = ? AND entity_id = ?`, kind, entityID); err != nil {
		return fmt.Errorf("store: delete dirty record: %w", err)
	}
	return nil
}

// LoadDirty returns every persisted dirty record.
func (s *Store) LoadDirty() ([]dirty.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT kind, entity_id, dirty_since, seq FROM dirty_records ORDER BY dirty_since`)
	if err != nil {
		return nil, fmt.Errorf("store: load dirty records: %w", err)
	}
	defer rows.Close()

	var out []dirty.Record
	for rows.Next() {
		var (
			r     dirty.Record
			since string
			seq   int64
		)
		if err := rows.Scan(&r.Kind, &r.EntityID, &since, &seq); err != nil {
			return nil, fmt.Errorf("store: scan dirty record: %w", err)
		}
		r.DirtySince = parseTime(since)
		r.Seq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}
