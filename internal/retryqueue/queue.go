// Package retryqueue implements the durable FIFO queue of sync operations
// whose remote call failed.
//
// Entries are removed only after the drain handler confirms success or the
// user explicitly discards them. Entries that fail MaxAttempts times are
// marked stalled and are skipped by Drain until RetryStalled is called.
package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Operation types.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// DefaultMaxAttempts is used when no cap is configured.
const DefaultMaxAttempts = 5

var (
	// ErrNotFound indicates the entry does not exist.
	ErrNotFound = errors.New("retryqueue: entry not found")

	// ErrDrainInProgress is returned when Drain is called while another
	// drain is running.
	ErrDrainInProgress = errors.New("retryqueue: drain already in progress")
)

// PersistenceError means the queue could not read or write its backing
// storage. The durability guarantee cannot be met while it persists.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("retryqueue: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Entry is one queued sync operation.
type Entry struct {
	ID         int64     `json:"id"`
	Op         string    `json:"op"`
	Kind       string    `json:"kind"`
	EntityID   string    `json:"entity_id"`
	Payload    []byte    `json:"payload,omitempty"`
	Analytics  []byte    `json:"analytics,omitempty"`
	Seq        uint64    `json:"seq"`
	Revision   int64     `json:"revision"`
	Attempts   int       `json:"attempts"`
	Stalled    bool      `json:"stalled"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Backend is the storage behind a Queue. Implementations must survive a
// process restart.
type Backend interface {
	// Upsert inserts e at the tail, or replaces the payload of the existing
	// entry for the same kind and entity id in place, bumping its revision.
	Upsert(ctx context.Context, e Entry) (Entry, error)
	// List returns all entries in FIFO order, stalled ones included.
	List(ctx context.Context) ([]Entry, error)
	// Get returns ErrNotFound when the entry does not exist.
	Get(ctx context.Context, id int64) (Entry, error)
	// Requeue moves the entry to the tail with new attempt state if its
	// revision still matches.
	Requeue(ctx context.Context, id, revision int64, attempts int, stalled bool, lastErr string) (bool, error)
	// Remove deletes the entry if its revision still matches.
	Remove(ctx context.Context, id, revision int64) (bool, error)
	// Discard deletes the entry regardless of revision.
	Discard(ctx context.Context, id int64) (bool, error)
	// RemoveEntity deletes entries for the entity whose Seq is at most seq.
	RemoveEntity(ctx context.Context, kind, entityID string, seq uint64) (int, error)
	// Unstall clears the stalled flag and attempts of every stalled entry.
	Unstall(ctx context.Context) (int, error)
	// Clear deletes every entry.
	Clear(ctx context.Context) (int, error)
}

// Handler processes one entry during a drain. A nil return removes it.
type Handler func(ctx context.Context, e Entry) error

// DrainResult summarises one drain pass.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Stalled   int `json:"stalled"`
	Skipped   int `json:"skipped"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Size    int `json:"size"`
	Active  int `json:"active"`
	Stalled int `json:"stalled"`
}

// Queue is the durable retry queue.
type Queue struct {
	backend     Backend
	maxAttempts int
	log         zerolog.Logger
	onStall     func(Entry)
	now         func() time.Time

	draining atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the attempts cap after which entries stall.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithStallHook is called for each entry that reaches the attempts cap.
func WithStallHook(fn func(Entry)) Option {
	return func(q *Queue) { q.onStall = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over backend.
func New(backend Backend, opts ...Option) *Queue {
	q := &Queue{
		backend:     backend,
		maxAttempts: DefaultMaxAttempts,
		log:         zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxAttempts returns the attempts cap.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue persists a failed operation. Attempts starts at zero for new
// entries; an existing entry for the same entity keeps its position and
// attempts and takes the newer payload.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now().UTC()
	}
	e.UpdatedAt = q.now().UTC()
	e.Attempts = 0
	e.Stalled = false

	saved, err := q.backend.Upsert(ctx, e)
	if err != nil {
		return Entry{}, q.fail("enqueue", err, e)
	}
	q.log.Debug().
		Int64("entry_id", saved.ID).
		Str("kind", saved.Kind).
		Str("entity_id", saved.EntityID).
		Str("op", saved.Op).
		Int64("revision", saved.Revision).
		Msg("queued for retry")
	return saved, nil
}

// Size returns the number of entries, stalled ones included.
func (q *Queue) Size(ctx context.Context) (int, error) {
	st, err := q.Stats(ctx)
	return st.Size, err
}

// Stats returns entry counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	entries, err := q.backend.List(ctx)
	if err != nil {
		return Stats{}, q.fail("list", err, Entry{})
	}
	st := Stats{Size: len(entries)}
	for _, e := range entries {
		if e.Stalled {
			st.Stalled++
		} else {
			st.Active++
		}
	}
	return st, nil
}

// Entries returns every entry in FIFO order.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	entries, err := q.backend.List(ctx)
	if err != nil {
		return nil, q.fail("list", err, Entry{})
	}
	return entries, nil
}

// Stalled returns the entries that need manual retry.
func (q *Queue) Stalled(ctx context.Context) ([]Entry, error) {
	entries, err := q.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Stalled {
			out = append(out, e)
		}
	}
	return out, nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id int64) (Entry, error) {
	e, err := q.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}
	if err != nil {
		return Entry{}, q.fail("get", err, Entry{ID: id})
	}
	return e, nil
}

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Drain runs handler over the non-stalled entries present when it starts,
// in FIFO order. Successful entries are removed; failed ones move to the
// tail with attempts incremented and stall at the cap. Only one drain runs
// at a time; a concurrent call returns ErrDrainInProgress.
func (q *Queue) Drain(ctx context.Context, handler Handler) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	var res DrainResult
	entries, err := q.backend.List(ctx)
	if err != nil {
		return res, q.fail("list", err, Entry{})
	}

	for _, e := range entries {
		if e.Stalled {
			res.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempted++
		herr := handler(ctx, e)
		if herr == nil {
			if _, err := q.backend.Remove(ctx, e.ID, e.Revision); err != nil {
				return res, q.fail("remove", err, e)
			}
			res.Succeeded++
			continue
		}

		res.Failed++
		attempts := e.Attempts + 1
		stalled := attempts >= q.maxAttempts
		moved, err := q.backend.Requeue(ctx, e.ID, e.Revision, attempts, stalled, herr.Error())
		if err != nil {
			return res, q.fail("requeue", err, e)
		}
		if !moved {
			continue
		}
		if stalled {
			res.Stalled++
			e.Attempts = attempts
			e.Stalled = true
			e.LastError = herr.Error()
			q.log.Warn().
				Int64("entry_id", e.ID).
				Str("kind", e.Kind).
				Str("entity_id", e.EntityID).
				Int("attempts", attempts).
				Err(herr).
				Msg("retry attempts exhausted, manual retry required")
			if q.onStall != nil {
				q.onStall(e)
			}
		}
	}

	q.log.Debug().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("stalled", res.Stalled).
		Msg("drain complete")
	return res, nil
}

// Resolve removes queued operations for an entity that a later direct sync
// has superseded.
func (q *Queue) Resolve(ctx context.Context, kind, entityID string, seq uint64) (int, error) {
	n, err := q.backend.RemoveEntity(ctx, kind, entityID, seq)
	if err != nil {
		return 0, q.fail("resolve", err, Entry{Kind: kind, EntityID: entityID})
	}
	return n, nil
}

// RetryStalled makes every stalled entry eligible for the next drain.
func (q *Queue) RetryStalled(ctx context.Context) (int, error) {
	n, err := q.backend.Unstall(ctx)
	if err != nil {
		return 0, q.fail("unstall", err, Entry{})
	}
	return n, nil
}

// Discard removes one entry at the user's request.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	ok, err := q.backend.Discard(ctx, id)
	if err != nil {
		return q.fail("discard", err, Entry{ID: id})
	}
	if !ok {
		return ErrNotFound
	}
	q.log.Info().Int64("entry_id", id).Msg("entry discarded by user")
	return nil
}

// Clear removes every entry. Used by a user-initiated local reset.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.backend.Clear(ctx)
	if err != nil {
		return 0, q.fail("clear", err, Entry{})
	}
	q.log.Info().Int("removed", n).Msg("retry queue cleared")
	return n, nil
}

func (q *Queue) fail(op string, err error, e Entry) error {
	q.log.Error().
		Err(err).
		Str("op", op).
		Int64("entry_id", e.ID).
		Str("kind", e.Kind).
		Str("entity_id", e.EntityID).
		Bool("fatal_to_durability", true).
		Msg("retry queue persistence failure")
	return &PersistenceError{Op: op, Err: err}
}
