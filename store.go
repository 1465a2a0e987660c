package waypoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/waypoint/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SchemaVersion is the local database layout version recorded in metadata.
const SchemaVersion = "1"

// LocalStore is the local persistent store the sync core writes through.
// A completed Put or Delete is immediately visible to Get.
type LocalStore interface {
	Get(kind EntityKind, id string) ([]byte, error)
	Put(kind EntityKind, id string, payload []byte) error
	Delete(kind EntityKind, id string) error
}

// Store is the local SQLite database. It holds entity content, the retry
// queue and persisted dirty records.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	now    func() time.Time
}

var _ LocalStore = (*Store)(nil)

// NewStore opens or creates a local store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the dispatcher goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db, path: path, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, SchemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the encoded entity. Returns ErrNotFound if absent.
func (s *Store) Get(kind EntityKind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM entities WHERE kind = ? AND id = ?`, string(kind), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", kind, id, err)
	}
	return payload, nil
}

// Put inserts or replaces an entity.
func (s *Store) Put(kind EntityKind, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO entities (kind, id, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, string(kind), id, payload, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", kind, id, err)
	}
	return nil
}

// Delete removes an entity. Deleting a missing entity is not an error.
func (s *Store) Delete(kind EntityKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM entities WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", kind, id, err)
	}
	return nil
}

// List returns every entity of a kind, keyed by id.
func (s *Store) List(kind EntityKind) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT id, payload FROM entities WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", kind, err)
		}
		out[id] = payload
	}
	return out, rows.Err()
}

// SetLastSync records the time of the last confirmed remote write.
func (s *Store) SetLastSync(t time.Time) error {
	return s.setMetadata("last_sync", t.UTC().Format(time.RFC3339Nano))
}

// SetDeviceID records the device identifier used in remote requests.
func (s *Store) SetDeviceID(id string) error {
	return s.setMetadata("device_id", id)
}

// DeviceID returns the stored device identifier, or "" if none.
func (s *Store) DeviceID() (string, error) {
	v, err := s.metadata("device_id")
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *Store) setMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

func (s *Store) metadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var v string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return v, nil
}

// MaxSeq returns the highest mutation sequence persisted in the queue or
// dirty records.
func (s *Store) MaxSeq() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var seq int64
	err := s.db.QueryRow(`
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM retry_queue), 0),
			COALESCE((SELECT MAX(seq) FROM dirty_records), 0)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("store: max seq: %w", err)
	}
	return uint64(seq), nil
}

// Stats returns store statistics.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{
		Entities:      make(map[EntityKind]int),
		SchemaVersion: SchemaVersion,
	}

	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM entities GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Entities[EntityKind(kind)] = n
	}
	rows.Close()

	if err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(stalled), 0) FROM retry_queue`).Scan(&stats.QueueSize, &stats.StalledCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dirty_records`).Scan(&stats.DirtyCount); err != nil {
		return nil, err
	}

	var lastSyncStr sql.NullString
	s.db.QueryRow("SELECT value FROM metadata WHERE key = 'last_sync'").Scan(&lastSyncStr)
	if lastSyncStr.Valid {
		stats.LastSync, _ = time.Parse(time.RFC3339Nano, lastSyncStr.String)
	}

	return stats, nil
}

// ResetEntities deletes all local entity content.
func (s *Store) ResetEntities(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM entities`)
	if err != nil {
		return 0, fmt.Errorf("store: reset entities: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
