package waypoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hyperengineering/waypoint/internal/ratelimit"
	"github.com/hyperengineering/waypoint/internal/retryqueue"
	"github.com/hyperengineering/waypoint/internal/status"
)

// LimitMode selects the rate-limit primitive for an entity kind.
type LimitMode string

const (
	LimitDebounce LimitMode = "debounce"
	LimitThrottle LimitMode = "throttle"
)

// Policy is the rate-limit policy of one entity kind. Timers are always
// keyed by entity id.
type Policy struct {
	Mode  LimitMode     `json:"mode"`
	Delay time.Duration `json:"delay"`
}

// DefaultPolicies returns the stock per-kind policies.
func DefaultPolicies() map[EntityKind]Policy {
	return map[EntityKind]Policy{
		KindGoal:        {Mode: LimitDebounce, Delay: DefaultGoalDebounce},
		KindEvent:       {Mode: LimitDebounce, Delay: DefaultEventDebounce},
		KindBrainDump:   {Mode: LimitDebounce, Delay: DefaultBrainDumpDebounce},
		KindPreferences: {Mode: LimitThrottle, Delay: DefaultPreferencesThrottle},
		KindStreak:      {Mode: LimitThrottle, Delay: DefaultStreakThrottle},
	}
}

// PoliciesFromConfig returns the policies with cfg's delays applied.
func PoliciesFromConfig(cfg Config) map[EntityKind]Policy {
	p := DefaultPolicies()
	set := func(k EntityKind, d time.Duration) {
		if d > 0 {
			pol := p[k]
			pol.Delay = d
			p[k] = pol
		}
	}
	set(KindGoal, cfg.GoalDebounce)
	set(KindEvent, cfg.EventDebounce)
	set(KindBrainDump, cfg.BrainDumpDebounce)
	set(KindPreferences, cfg.PreferencesThrottle)
	set(KindStreak, cfg.StreakThrottle)
	return p
}

// dispatcher rate-limits sync operations for one entity kind.
type dispatcher struct {
	kind    EntityKind
	policy  Policy
	limiter *ratelimit.Limiter[Operation]
}

func newDispatcher(kind EntityKind, p Policy, run func(Operation)) *dispatcher {
	fn := func(_ string, op Operation) { run(op) }
	d := &dispatcher{kind: kind, policy: p}
	if p.Mode == LimitThrottle {
		d.limiter = ratelimit.NewThrottle(p.Delay, fn)
	} else {
		d.limiter = ratelimit.NewDebounce(p.Delay, fn)
	}
	return d
}

func (d *dispatcher) call(op Operation) {
	d.limiter.Call(op.EntityID, op)
}

// run is the dispatcher body shared by every kind. Remote errors stop here:
// they become an error status and a retry-queue entry.
func (c *SyncCore) run(op Operation) {
	_ = c.sync(context.Background(), op)
}

// sync sends op under its entity lock and reports the remote error, if
// any, after requeueing it.
func (c *SyncCore) sync(ctx context.Context, op Operation) error {
	unlock := c.keys.lock(op.key())
	defer unlock()

	if c.superseded(op) {
		c.log.Debug().Str("kind", string(op.Kind)).Str("entity_id", op.EntityID).Msg("skipping superseded sync")
		return ErrSuperseded
	}

	c.status.Publish(status.Event{State: status.Syncing, Kind: string(op.Kind), EntityID: op.EntityID})
	err := c.send(ctx, op)
	if err == nil {
		c.confirm(ctx, op)
		c.status.Publish(status.Event{State: status.Synced, Kind: string(op.Kind), EntityID: op.EntityID})
		return nil
	}

	c.noteFailure(err)
	c.log.Warn().Err(err).Str("kind", string(op.Kind)).Str("entity_id", op.EntityID).Msg("sync failed, queueing for retry")
	c.status.Publish(status.Event{State: status.Error, Kind: string(op.Kind), EntityID: op.EntityID, Err: err.Error()})

	if _, qerr := c.queue.Enqueue(ctx, entryFromOp(op)); qerr != nil {
		c.reportPersistence(qerr)
		return errors.Join(err, qerr)
	}
	return err
}

// replay is the drain handler. Entries superseded by a newer confirmed
// sync, or replaced while the drain was waiting, succeed without a call.
func (c *SyncCore) replay(ctx context.Context, e retryqueue.Entry) error {
	op := opFromEntry(e)
	unlock := c.keys.lock(op.key())
	defer unlock()

	if c.superseded(op) {
		return nil
	}
	cur, err := c.queue.Get(ctx, e.ID)
	if errors.Is(err, retryqueue.ErrNotFound) || (err == nil && cur.Revision != e.Revision) {
		return nil
	}
	if err != nil {
		return err
	}

	c.status.Publish(status.Event{State: status.Syncing, Kind: e.Kind, EntityID: e.EntityID})
	if err := c.send(ctx, op); err != nil {
		c.noteFailure(err)
		c.status.Publish(status.Event{State: status.Error, Kind: e.Kind, EntityID: e.EntityID, Err: err.Error()})
		return err
	}
	c.confirm(ctx, op)
	c.status.Publish(status.Event{State: status.Synced, Kind: e.Kind, EntityID: e.EntityID})
	return nil
}

func (c *SyncCore) send(ctx context.Context, op Operation) error {
	switch {
	case op.Type == OpDelete:
		return c.remote.Delete(ctx, op.Kind, op.EntityID)
	case op.Kind == KindPreferences:
		return c.remote.SavePreferences(ctx, op.EntityID, op.Payload, op.Analytics)
	default:
		return c.remote.Save(ctx, op.Kind, op.EntityID, op.Payload)
	}
}

func entryFromOp(op Operation) retryqueue.Entry {
	return retryqueue.Entry{
		Op:        string(op.Type),
		Kind:      string(op.Kind),
		EntityID:  op.EntityID,
		Payload:   op.Payload,
		Analytics: op.Analytics,
		Seq:       op.Seq,
	}
}

func opFromEntry(e retryqueue.Entry) Operation {
	return Operation{
		Type:      OpType(e.Op),
		Kind:      EntityKind(e.Kind),
		EntityID:  e.EntityID,
		Payload:   e.Payload,
		Analytics: e.Analytics,
		Seq:       e.Seq,
	}
}

// keyedMutex serialises remote calls per entity across the dispatcher,
// ForceSync and drain paths.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
