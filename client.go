// Package waypoint is the local-first sync core of a personal planning app.
//
// Mutations go to the local SQLite store first and return immediately.
// Per-kind dispatchers then push them to the remote store under keyed
// debounce or throttle policies; failed pushes land in a durable retry
// queue that drains on a timer, on reconnect, or on demand.
package waypoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Client is the application-facing API: local reads and writes plus the
// sync controls.
type Client struct {
	store     *Store
	core      *SyncCore
	remote    RemoteClient
	config    Config
	log       zerolog.Logger
	logCloser io.Closer

	mu     sync.Mutex
	closed bool
}

// NewID returns a new sortable entity id.
func NewID() string {
	return ulid.Make().String()
}

// New creates a client. An HTTP remote is used unless the config is
// offline-only.
func New(cfg Config) (*Client, error) {
	return NewWithRemote(cfg, nil)
}

// NewWithRemote creates a client with a caller-supplied remote. A nil
// remote means the HTTP remote from cfg, or none when cfg is offline-only.
func NewWithRemote(cfg Config, remote RemoteClient) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, logCloser := NewLogger(cfg)

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		store:     store,
		config:    cfg,
		log:       log,
		logCloser: logCloser,
	}

	if err := c.ensureDeviceID(); err != nil {
		c.abort()
		return nil, fmt.Errorf("client: %w", err)
	}

	if remote == nil && !cfg.IsOffline() {
		remote = NewHTTPRemote(cfg.RemoteURL, cfg.APIKey, cfg.RemoteTimeout,
			WithDeviceID(c.config.DeviceID),
			WithRemoteLogger(log.With().Str("component", "remote").Logger(), cfg.Debug),
		)
	}
	c.remote = remote

	seed, err := store.MaxSeq()
	if err != nil {
		c.abort()
		return nil, fmt.Errorf("client: %w", err)
	}

	core, err := NewSyncCore(CoreOptions{
		Remote:        remote,
		Queue:         store.QueueBackend(),
		Dirty:         store,
		Policies:      PoliciesFromConfig(cfg),
		SeedSeq:       seed,
		MaxAttempts:   cfg.MaxAttempts,
		QuietPeriod:   cfg.QuietPeriod,
		DrainInterval: cfg.DrainInterval,
		ProbeInterval: cfg.ProbeInterval,
		OnSynced: func(at time.Time) {
			if err := store.SetLastSync(at); err != nil {
				log.Debug().Err(err).Msg("record last sync")
			}
		},
		Logger: log,
	})
	if err != nil {
		c.abort()
		return nil, fmt.Errorf("client: %w", err)
	}
	c.core = core

	if remote != nil {
		if n, err := c.recoverDirty(context.Background()); err != nil {
			log.Error().Err(err).Msg("recover dirty records")
		} else if n > 0 {
			log.Info().Int("requeued", n).Msg("requeued unsynced changes from previous run")
		}
	}

	if !cfg.ManualSyncOnly {
		core.Start()
	}

	return c, nil
}

func (c *Client) abort() {
	c.store.Close()
	c.logCloser.Close()
}

func (c *Client) ensureDeviceID() error {
	if c.config.DeviceID != "" {
		return c.store.SetDeviceID(c.config.DeviceID)
	}
	id, err := c.store.DeviceID()
	if err != nil {
		return err
	}
	if id == "" {
		id = NewID()
		if err := c.store.SetDeviceID(id); err != nil {
			return err
		}
	}
	c.config.DeviceID = id
	return nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Core returns the sync core.
func (c *Client) Core() *SyncCore {
	return c.core
}

// Put writes e to the local store and schedules its sync. A local store
// failure is returned as *LocalStoreError and nothing is dispatched.
func (c *Client) Put(ctx context.Context, e Entity) error {
	kind, id := e.EntityKind(), e.EntityID()
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if id == "" {
		return ErrInvalidEntity
	}
	if t, ok := e.(toucher); ok {
		t.Touch(time.Now().UTC())
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return &LocalStoreError{Op: "encode", Kind: kind, EntityID: id, Err: err}
	}
	if err := c.store.Put(kind, id, payload); err != nil {
		return &LocalStoreError{Op: "put", Kind: kind, EntityID: id, Err: err}
	}

	op := Operation{Type: OpUpdate, Kind: kind, EntityID: id, Payload: payload}
	if kind != KindPreferences {
		return c.dispatch(op)
	}

	// The preferences write has landed, so it is dispatched even when the
	// bundled analytics cannot be read; the read failure is still returned.
	analytics, aerr := c.localAnalytics(id)
	op.Analytics = analytics
	if err := c.dispatch(op); err != nil {
		return err
	}
	return aerr
}

// PutPreferences writes preferences and, when non-nil, the analytics
// bundled with them, then schedules a single sync for both.
func (c *Client) PutPreferences(ctx context.Context, p *Preferences, a *Analytics) error {
	if p.ID == "" {
		return ErrInvalidEntity
	}
	if a != nil {
		payload, err := json.Marshal(a)
		if err != nil {
			return &LocalStoreError{Op: "encode", Kind: kindAnalytics, EntityID: p.ID, Err: err}
		}
		if err := c.store.Put(kindAnalytics, p.ID, payload); err != nil {
			return &LocalStoreError{Op: "put", Kind: kindAnalytics, EntityID: p.ID, Err: err}
		}
	}
	return c.Put(ctx, p)
}

// Delete removes an entity locally and schedules the remote delete.
func (c *Client) Delete(ctx context.Context, kind EntityKind, id string) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if id == "" {
		return ErrInvalidEntity
	}
	if err := c.store.Delete(kind, id); err != nil {
		return &LocalStoreError{Op: "delete", Kind: kind, EntityID: id, Err: err}
	}
	if kind == KindPreferences {
		if err := c.store.Delete(kindAnalytics, id); err != nil {
			return &LocalStoreError{Op: "delete", Kind: kindAnalytics, EntityID: id, Err: err}
		}
	}
	return c.dispatch(Operation{Type: OpDelete, Kind: kind, EntityID: id})
}

func (c *Client) dispatch(op Operation) error {
	err := c.core.Dispatch(op)
	if errors.Is(err, ErrCoreClosed) {
		// Stored and marked dirty; the next run requeues it.
		return nil
	}
	return err
}

// Get decodes a locally stored entity into dst.
func (c *Client) Get(kind EntityKind, id string, dst any) error {
	payload, err := c.store.Get(kind, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("client: decode %s/%s: %w", kind, id, err)
	}
	return nil
}

// GetRaw returns the stored JSON of an entity.
func (c *Client) GetRaw(kind EntityKind, id string) ([]byte, error) {
	return c.store.Get(kind, id)
}

// List returns the stored JSON of every entity of a kind, keyed by id.
func (c *Client) List(kind EntityKind) (map[string][]byte, error) {
	return c.store.List(kind)
}

// ForceSync sends the current local state of an entity now, bypassing the
// rate limiter. A missing entity is synced as a delete.
func (c *Client) ForceSync(ctx context.Context, kind EntityKind, id string) error {
	op, err := c.localOp(kind, id)
	if err != nil {
		return err
	}
	return c.core.ForceSync(ctx, op)
}

// FlushPending drains the retry queue now.
func (c *Client) FlushPending(ctx context.Context) (DrainResult, error) {
	return c.core.FlushPending(ctx)
}

// CancelPendingSyncs drops pending rate-limited syncs. See SyncCore.
func (c *Client) CancelPendingSyncs() int {
	return c.core.CancelPendingSyncs()
}

// NotifyOnline tells the client connectivity is back.
func (c *Client) NotifyOnline() {
	c.core.NotifyOnline()
}

// Subscribe registers a status subscriber.
func (c *Client) Subscribe() *Subscription {
	return c.core.Subscribe()
}

// Unsubscribe removes a status subscriber.
func (c *Client) Unsubscribe(s *Subscription) {
	c.core.Unsubscribe(s)
}

// Status returns the latest sync status.
func (c *Client) Status() StatusEvent {
	return c.core.Status()
}

// Dirty returns entities with unconfirmed local changes.
func (c *Client) Dirty(kinds ...EntityKind) []DirtyRecord {
	return c.core.DirtyRecords(kinds...)
}

// Queue returns the retry queue in FIFO order.
func (c *Client) Queue(ctx context.Context) ([]QueueEntry, error) {
	return c.core.QueueEntries(ctx)
}

// Stalled returns queue entries that need manual retry.
func (c *Client) Stalled(ctx context.Context) ([]QueueEntry, error) {
	return c.core.Stalled(ctx)
}

// RetryStalled makes stalled entries eligible for the next drain.
func (c *Client) RetryStalled(ctx context.Context) (int, error) {
	return c.core.RetryStalled(ctx)
}

// Discard removes one queue entry. The local copy is kept.
func (c *Client) Discard(ctx context.Context, id int64) error {
	return c.core.Discard(ctx, id)
}

// Reset wipes local entities, dirty records and the retry queue. Unsynced
// changes are lost; callers must confirm with the user first.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.core.Reset(ctx); err != nil {
		return err
	}
	n, err := c.store.ResetEntities(ctx)
	if err != nil {
		return err
	}
	c.log.Warn().Int("entities", n).Msg("local data reset")
	return nil
}

// Stats returns store statistics.
func (c *Client) Stats() (*StoreStats, error) {
	return c.store.Stats()
}

// HealthCheck returns the health status of the client.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		StoreOK: true,
	}

	if _, err := c.store.Stats(); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	if err := c.core.PersistenceError(); err != nil {
		status.Healthy = false
		status.Error = err.Error()
	}

	if c.remote != nil {
		err := c.remote.Ping(ctx)
		status.RemoteReachable = err == nil
		if err != nil && status.Error == "" {
			status.Error = err.Error()
		}
		if err == nil {
			c.core.NotifyOnline()
		}
	}
	status.Online = c.core.Online()

	return status
}

// Close stops background sync, sends pending rate-limited syncs, and
// closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.core.Close()
	err := c.store.Close()
	c.logCloser.Close()
	return err
}

// localOp builds an operation from the current local state of an entity.
func (c *Client) localOp(kind EntityKind, id string) (Operation, error) {
	if !kind.IsValid() {
		return Operation{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	payload, err := c.store.Get(kind, id)
	if errors.Is(err, ErrNotFound) {
		return Operation{Type: OpDelete, Kind: kind, EntityID: id}, nil
	}
	if err != nil {
		return Operation{}, &LocalStoreError{Op: "get", Kind: kind, EntityID: id, Err: err}
	}
	op := Operation{Type: OpUpdate, Kind: kind, EntityID: id, Payload: payload}
	if kind == KindPreferences {
		if op.Analytics, err = c.localAnalytics(id); err != nil {
			return Operation{}, err
		}
	}
	return op, nil
}

// localAnalytics reads the analytics stored next to preferences id. A
// missing bundle is not an error.
func (c *Client) localAnalytics(id string) ([]byte, error) {
	a, err := c.store.Get(kindAnalytics, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		c.log.Error().Err(err).Str("entity_id", id).Msg("read analytics")
		return nil, &LocalStoreError{Op: "get", Kind: kindAnalytics, EntityID: id, Err: err}
	}
	return a, nil
}

// recoverDirty queues the current local state of every dirty entity whose
// retry-queue entry is missing or older than the dirty record, covering
// changes whose dispatch never ran before the previous process exited.
func (c *Client) recoverDirty(ctx context.Context) (int, error) {
	entries, err := c.core.QueueEntries(ctx)
	if err != nil {
		return 0, err
	}
	queued := make(map[string]uint64, len(entries))
	for _, e := range entries {
		queued[e.Kind+"/"+e.EntityID] = e.Seq
	}

	n := 0
	for _, r := range c.core.tracker.Records() {
		// An older queued entry is replaced in place by the upsert below.
		if seq, ok := queued[r.Kind+"/"+r.EntityID]; ok && seq >= r.Seq {
			continue
		}
		op, err := c.localOp(EntityKind(r.Kind), r.EntityID)
		if err != nil {
			c.log.Warn().Err(err).Str("kind", r.Kind).Str("entity_id", r.EntityID).Msg("skip dirty record")
			continue
		}
		op.Seq = r.Seq
		if _, err := c.core.queue.Enqueue(ctx, entryFromOp(op)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
