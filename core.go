package waypoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/waypoint/internal/dirty"
	"github.com/hyperengineering/waypoint/internal/retryqueue"
	"github.com/hyperengineering/waypoint/internal/status"
	"github.com/rs/zerolog"
)

// CoreOptions configures a SyncCore.
type CoreOptions struct {
	// Remote is the sync target. Nil means offline-only: changes are
	// tracked as dirty but never dispatched.
	Remote RemoteClient

	// Queue persists the retry queue. Required.
	Queue retryqueue.Backend

	// Dirty persists dirty records across restarts. Optional.
	Dirty dirty.Persister

	// Policies overrides the per-kind rate-limit policies.
	Policies map[EntityKind]Policy

	// SeedSeq is the highest mutation sequence already persisted.
	SeedSeq uint64

	MaxAttempts   int
	QuietPeriod   time.Duration
	DrainInterval time.Duration
	ProbeInterval time.Duration

	// OnSynced is called after each confirmed remote write.
	OnSynced func(at time.Time)

	Logger zerolog.Logger
}

// SyncCore owns the dirty tracker, the retry queue, the per-kind
// dispatchers and the status broadcaster. Construct one per process with
// NewSyncCore; there is no package-level state.
type SyncCore struct {
	remote      RemoteClient
	tracker     *dirty.Tracker
	queue       *retryqueue.Queue
	status      *status.Broadcaster
	dispatchers map[EntityKind]*dispatcher
	log         zerolog.Logger
	onSynced    func(time.Time)

	drainInterval time.Duration
	probeInterval time.Duration

	keys      keyedMutex
	mu        sync.Mutex
	confirmed map[string]uint64
	lastSeq   atomic.Uint64
	online    atomic.Bool
	closed    atomic.Bool

	persistErr atomic.Pointer[QueuePersistenceError]

	startOnce sync.Once
	started   atomic.Bool
	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
}

// NewSyncCore creates a SyncCore. Persisted dirty records are loaded; the
// background loop does not run until Start.
func NewSyncCore(opts CoreOptions) (*SyncCore, error) {
	if opts.Queue == nil {
		return nil, errors.New("sync core: queue backend is required")
	}
	log := opts.Logger

	c := &SyncCore{
		remote:        opts.Remote,
		log:           log.With().Str("component", "sync").Logger(),
		onSynced:      opts.OnSynced,
		drainInterval: opts.DrainInterval,
		probeInterval: opts.ProbeInterval,
		confirmed:     make(map[string]uint64),
		dispatchers:   make(map[EntityKind]*dispatcher),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.lastSeq.Store(opts.SeedSeq)
	c.online.Store(opts.Remote != nil)

	trackerOpts := []dirty.Option{
		dirty.WithErrorHook(func(op string, err error) {
			c.log.Error().Err(err).Str("op", op).Msg("dirty record persistence failed")
		}),
	}
	if opts.Dirty != nil {
		trackerOpts = append(trackerOpts, dirty.WithPersister(opts.Dirty))
	}
	c.tracker = dirty.New(trackerOpts...)
	if err := c.tracker.Load(); err != nil {
		return nil, fmt.Errorf("sync core: load dirty records: %w", err)
	}

	c.queue = retryqueue.New(opts.Queue,
		retryqueue.WithMaxAttempts(opts.MaxAttempts),
		retryqueue.WithLogger(log.With().Str("component", "retryqueue").Logger()),
		retryqueue.WithStallHook(c.stalled),
	)
	c.status = status.New(
		status.WithQuietPeriod(opts.QuietPeriod),
		status.WithLogger(log.With().Str("component", "status").Logger()),
	)

	policies := DefaultPolicies()
	for k, p := range opts.Policies {
		policies[k] = p
	}
	for _, kind := range ValidKinds() {
		c.dispatchers[kind] = newDispatcher(kind, policies[kind], c.run)
	}

	return c, nil
}

// NextSeq returns a new mutation sequence. Sequences are time-based and
// strictly increasing, including across restarts when seeded.
func (c *SyncCore) NextSeq() uint64 {
	for {
		last := c.lastSeq.Load()
		next := uint64(time.Now().UnixNano())
		if next <= last {
			next = last + 1
		}
		if c.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Dispatch records op's entity as dirty and hands op to the kind's rate
// limiter. It never blocks on the remote call and never returns remote
// errors. The local store must already hold the change.
func (c *SyncCore) Dispatch(op Operation) error {
	d, err := c.prepare(&op)
	if err != nil {
		return err
	}
	if c.remote == nil {
		return nil
	}
	if c.closed.Load() {
		return ErrCoreClosed
	}
	d.call(op)
	return nil
}

// ForceSync sends op immediately, bypassing the rate limiter, and cancels
// any pending limited call for the same entity. On failure op is queued for
// retry and the remote error is returned.
func (c *SyncCore) ForceSync(ctx context.Context, op Operation) error {
	d, err := c.prepare(&op)
	if err != nil {
		return err
	}
	if c.remote == nil {
		return ErrOffline
	}
	if c.closed.Load() {
		return ErrCoreClosed
	}
	d.limiter.Cancel(op.EntityID)
	return c.sync(ctx, op)
}

func (c *SyncCore) prepare(op *Operation) (*dispatcher, error) {
	d, ok := c.dispatchers[op.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, op.Kind)
	}
	if op.EntityID == "" {
		return nil, ErrInvalidEntity
	}
	if op.Type == "" {
		op.Type = OpUpdate
	}
	if op.Seq == 0 {
		op.Seq = c.NextSeq()
	}
	c.tracker.MarkDirty(string(op.Kind), op.EntityID, op.Seq)
	return d, nil
}

// FlushPending drains the retry queue now.
func (c *SyncCore) FlushPending(ctx context.Context) (DrainResult, error) {
	if c.remote == nil {
		return DrainResult{}, ErrOffline
	}
	res, err := c.queue.Drain(ctx, c.replay)
	if err != nil {
		var perr *QueuePersistenceError
		if errors.As(err, &perr) {
			c.reportPersistence(err)
		}
		return res, err
	}
	return res, nil
}

// FlushDispatchers fires every pending rate-limited call immediately and
// waits for them to finish.
func (c *SyncCore) FlushDispatchers() int {
	n := 0
	for _, kind := range ValidKinds() {
		n += c.dispatchers[kind].limiter.FlushAll()
	}
	for _, kind := range ValidKinds() {
		c.dispatchers[kind].limiter.Wait()
	}
	return n
}

// CancelPendingSyncs drops every pending rate-limited call without sending
// it, e.g. at logout. In-flight calls finish. Cancelled entities stay dirty
// so their changes are not lost. Returns the number of calls dropped.
func (c *SyncCore) CancelPendingSyncs() int {
	n := 0
	for _, kind := range ValidKinds() {
		n += c.dispatchers[kind].limiter.CancelAll()
	}
	if n > 0 {
		c.log.Info().Int("cancelled", n).Msg("pending syncs cancelled")
	}
	return n
}

// PendingDispatches returns the number of rate-limited calls waiting to fire.
func (c *SyncCore) PendingDispatches() int {
	n := 0
	for _, kind := range ValidKinds() {
		n += c.dispatchers[kind].limiter.Pending()
	}
	return n
}

// Policies returns the effective per-kind policies.
func (c *SyncCore) Policies() map[EntityKind]Policy {
	out := make(map[EntityKind]Policy, len(c.dispatchers))
	for k, d := range c.dispatchers {
		out[k] = d.policy
	}
	return out
}

// Subscribe registers a status subscriber. The current state is delivered
// first.
func (c *SyncCore) Subscribe() *Subscription {
	return c.status.Subscribe()
}

// Unsubscribe removes a status subscriber and closes its channel.
func (c *SyncCore) Unsubscribe(s *Subscription) {
	c.status.Unsubscribe(s)
}

// Status returns the most recent status event.
func (c *SyncCore) Status() StatusEvent {
	return c.status.Current()
}

// IsDirty reports whether an entity has unconfirmed local changes.
func (c *SyncCore) IsDirty(kind EntityKind, id string) bool {
	return c.tracker.IsDirty(string(kind), id)
}

// ListDirty returns the ids of dirty entities of the given kinds, or all
// kinds when none are given.
func (c *SyncCore) ListDirty(kinds ...EntityKind) []string {
	return c.tracker.ListDirty(kindStrings(kinds)...)
}

// DirtyRecords returns dirty records, oldest first.
func (c *SyncCore) DirtyRecords(kinds ...EntityKind) []DirtyRecord {
	recs := c.tracker.Records(kindStrings(kinds)...)
	out := make([]DirtyRecord, len(recs))
	for i, r := range recs {
		out[i] = DirtyRecord{Kind: EntityKind(r.Kind), EntityID: r.EntityID, DirtySince: r.DirtySince}
	}
	return out
}

// QueueEntries returns the retry queue in FIFO order.
func (c *SyncCore) QueueEntries(ctx context.Context) ([]QueueEntry, error) {
	return c.queue.Entries(ctx)
}

// QueueSize returns the number of queued entries, stalled ones included.
func (c *SyncCore) QueueSize(ctx context.Context) (int, error) {
	return c.queue.Size(ctx)
}

// Stalled returns entries that exceeded the attempts cap.
func (c *SyncCore) Stalled(ctx context.Context) ([]QueueEntry, error) {
	return c.queue.Stalled(ctx)
}

// RetryStalled makes stalled entries eligible again and schedules a drain.
func (c *SyncCore) RetryStalled(ctx context.Context) (int, error) {
	n, err := c.queue.RetryStalled(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.trigger()
	}
	return n, nil
}

// Discard removes one queued entry at the user's request. The entity stays
// dirty until a later sync succeeds.
func (c *SyncCore) Discard(ctx context.Context, id int64) error {
	return c.queue.Discard(ctx, id)
}

// Reset cancels pending calls and forgets all queued and dirty state.
func (c *SyncCore) Reset(ctx context.Context) error {
	c.CancelPendingSyncs()
	if _, err := c.queue.Clear(ctx); err != nil {
		return err
	}
	c.tracker.Reset()
	c.mu.Lock()
	c.confirmed = make(map[string]uint64)
	c.mu.Unlock()
	return nil
}

// Online reports whether the last remote interaction succeeded.
func (c *SyncCore) Online() bool {
	return c.remote != nil && c.online.Load()
}

// NotifyOnline signals that connectivity was restored and schedules a drain.
func (c *SyncCore) NotifyOnline() {
	if c.remote == nil {
		return
	}
	c.online.Store(true)
	c.trigger()
}

// NotifyOffline records that connectivity was lost.
func (c *SyncCore) NotifyOffline() {
	c.online.Store(false)
}

// PersistenceError returns the most recent retry-queue persistence failure.
func (c *SyncCore) PersistenceError() error {
	if p := c.persistErr.Load(); p != nil {
		return p
	}
	return nil
}

// Start runs the background drain loop: a periodic drain, a drain on each
// NotifyOnline, and connectivity probing while offline. Calling Start more
// than once has no effect.
func (c *SyncCore) Start() {
	if c.remote == nil || c.closed.Load() {
		return
	}
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.loop()
	})
}

// Close stops the background loop, fires pending rate-limited calls and
// waits for them, then closes status subscriptions.
func (c *SyncCore) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.stop)
	if c.started.Load() {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
		}
	}

	if n := c.FlushDispatchers(); n > 0 {
		c.log.Debug().Int("flushed", n).Msg("flushed pending syncs on close")
	}
	c.status.Close()
}

func (c *SyncCore) loop() {
	defer close(c.done)

	drain := time.NewTicker(orDefault(c.drainInterval, 30*time.Second))
	defer drain.Stop()
	probe := time.NewTicker(orDefault(c.probeInterval, 10*time.Second))
	defer probe.Stop()

	c.drainOnce()
	for {
		select {
		case <-c.stop:
			return
		case <-drain.C:
			c.drainOnce()
		case <-c.wake:
			c.drainOnce()
		case <-probe.C:
			if c.online.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.remote.Ping(ctx)
			cancel()
			if err == nil {
				c.log.Info().Msg("connectivity restored")
				c.online.Store(true)
				c.drainOnce()
			}
		}
	}
}

func (c *SyncCore) drainOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := c.FlushPending(ctx)
	if err != nil && !errors.Is(err, ErrDrainInProgress) {
		c.log.Warn().Err(err).Msg("background drain failed")
		return
	}
	if res.Attempted > 0 {
		c.log.Debug().Int("attempted", res.Attempted).Int("succeeded", res.Succeeded).Msg("background drain")
	}
}

func (c *SyncCore) trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *SyncCore) superseded(op Operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed[op.key()] >= op.Seq
}

func (c *SyncCore) confirm(ctx context.Context, op Operation) {
	c.mu.Lock()
	if op.Seq > c.confirmed[op.key()] {
		c.confirmed[op.key()] = op.Seq
	}
	c.mu.Unlock()

	c.online.Store(true)
	c.tracker.MarkCleanThrough(string(op.Kind), op.EntityID, op.Seq)
	if _, err := c.queue.Resolve(ctx, string(op.Kind), op.EntityID, op.Seq); err != nil {
		c.reportPersistence(err)
	}
	if c.onSynced != nil {
		c.onSynced(time.Now())
	}
}

func (c *SyncCore) noteFailure(err error) {
	var se *SyncError
	if errors.As(err, &se) && se.Permanent() {
		return
	}
	c.online.Store(false)
}

func (c *SyncCore) stalled(e retryqueue.Entry) {
	c.status.Publish(status.Event{
		State:    status.Error,
		Kind:     e.Kind,
		EntityID: e.EntityID,
		Err:      "manual retry required: " + e.LastError,
		Stalled:  true,
	})
}

func (c *SyncCore) reportPersistence(err error) {
	var perr *QueuePersistenceError
	if !errors.As(err, &perr) {
		return
	}
	c.persistErr.Store(perr)
	c.log.Error().Err(err).Bool("fatal_to_durability", true).Msg("retry queue cannot persist; unsynced changes remain dirty locally")
}

func kindStrings(kinds []EntityKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
