// Package dirty tracks entities with local changes not yet confirmed by the
// remote store.
package dirty

import (
	"sort"
	"sync"
	"time"
)

// Record describes one dirty entity. Seq is the mutation sequence of the
// most recent local change.
type Record struct {
	Kind       string    `json:"kind"`
	EntityID   string    `json:"entity_id"`
	DirtySince time.Time `json:"dirty_since"`
	Seq        uint64    `json:"seq"`
}

// Persister stores dirty records so they survive a restart.
type Persister interface {
	SaveDirty(r Record) error
	DeleteDirty(kind, entityID string) error
	LoadDirty() ([]Record, error)
}

// Tracker is a concurrency-safe set of dirty records. The in-memory map is
// authoritative. The optional Persister is written through under the same
// lock so persisted order matches in-memory order; its errors go to the
// error hook.
type Tracker struct {
	mu      sync.Mutex
	records map[key]Record
	persist Persister
	onError func(op string, err error)
	now     func() time.Time
}

type key struct {
	kind string
	id   string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPersister writes every change through to p.
func WithPersister(p Persister) Option {
	return func(t *Tracker) { t.persist = p }
}

// WithErrorHook receives persistence errors.
func WithErrorHook(fn func(op string, err error)) Option {
	return func(t *Tracker) { t.onError = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		records: make(map[key]Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load replaces the in-memory state with the persisted records.
func (t *Tracker) Load() error {
	if t.persist == nil {
		return nil
	}
	recs, err := t.persist.LoadDirty()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[key]Record, len(recs))
	for _, r := range recs {
		t.records[key{r.Kind, r.EntityID}] = r
	}
	return nil
}

// MarkDirty records a local change. DirtySince keeps the time of the first
// unsynced change; Seq always moves to the latest.
func (t *Tracker) MarkDirty(kind, entityID string, seq uint64) Record {
	t.mu.Lock()
	k := key{kind, entityID}
	r, ok := t.records[k]
	if !ok {
		r = Record{Kind: kind, EntityID: entityID, DirtySince: t.now().UTC()}
	}
	if seq > r.Seq {
		r.Seq = seq
	}
	t.records[k] = r

	if t.persist != nil {
		if err := t.persist.SaveDirty(r); err != nil {
			t.report("save", err)
		}
	}
	t.mu.Unlock()
	return r
}

// MarkClean removes the dirty record unconditionally.
func (t *Tracker) MarkClean(kind, entityID string) {
	t.mu.Lock()
	k := key{kind, entityID}
	_, ok := t.records[k]
	delete(t.records, k)
	if ok {
		t.forget(kind, entityID)
	}
	t.mu.Unlock()
}

// MarkCleanThrough removes the dirty record only if no change newer than
// seq has been recorded. Reports whether the record was removed.
func (t *Tracker) MarkCleanThrough(kind, entityID string, seq uint64) bool {
	t.mu.Lock()
	k := key{kind, entityID}
	r, ok := t.records[k]
	if !ok || r.Seq > seq {
		t.mu.Unlock()
		return false
	}
	delete(t.records, k)
	t.forget(kind, entityID)
	t.mu.Unlock()
	return true
}

// IsDirty reports whether the entity has unconfirmed local changes.
func (t *Tracker) IsDirty(kind, entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[key{kind, entityID}]
	return ok
}

// Get returns the dirty record for an entity.
func (t *Tracker) Get(kind, entityID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{kind, entityID}]
	return r, ok
}

// ListDirty returns the ids of dirty entities of the given kinds, or of all
// kinds when none are given, oldest first.
func (t *Tracker) ListDirty(kinds ...string) []string {
	recs := t.Records(kinds...)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.EntityID
	}
	return ids
}

// Records returns the dirty records of the given kinds, or of all kinds
// when none are given, oldest first.
func (t *Tracker) Records(kinds ...string) []Record {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		if len(want) == 0 || want[r.Kind] {
			out = append(out, r)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DirtySince.Equal(out[j].DirtySince) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].DirtySince.Before(out[j].DirtySince)
	})
	return out
}

// Len returns the number of dirty entities.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Reset forgets every record.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.records {
		t.forget(k.kind, k.id)
	}
	t.records = make(map[key]Record)
}

// forget must be called with mu held.
func (t *Tracker) forget(kind, entityID string) {
	if t.persist == nil {
		return
	}
	if err := t.persist.DeleteDirty(kind, entityID); err != nil {
		t.report("delete", err)
	}
}

func (t *Tracker) report(op string, err error) {
	if t.onError != nil {
		t.onError(op, err)
	}
}
