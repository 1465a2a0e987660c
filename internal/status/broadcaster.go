// Package status broadcasts the process-wide sync state to subscribers.
//
// State machine: idle -> syncing -> (synced | error) -> idle after a quiet
// period. Each subscriber gets its own unbounded mailbox: consecutive
// non-terminal events (syncing, idle) are coalesced when a subscriber falls
// behind, terminal events (synced, error) are always delivered in order.
package status

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the sync state.
type State string

const (
	Idle    State = "idle"
	Syncing State = "syncing"
	Synced  State = "synced"
	Error   State = "error"
)

// Terminal reports whether s ends a sync cycle.
func (s State) Terminal() bool {
	return s == Synced || s == Error
}

// DefaultQuietPeriod is how long a terminal state is held before reverting
// to idle.
const DefaultQuietPeriod = 3 * time.Second

// Event is one state transition.
type Event struct {
	State    State     `json:"status"`
	Kind     string    `json:"kind,omitempty"`
	EntityID string    `json:"entity_id,omitempty"`
	Err      string    `json:"error,omitempty"`
	Stalled  bool      `json:"stalled,omitempty"`
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
}

// Broadcaster fans state transitions out to subscribers.
type Broadcaster struct {
	quiet time.Duration
	log   zerolog.Logger

	mu      sync.Mutex
	current Event
	seq     uint64
	subs    map[uint64]*Subscription
	nextID  uint64
	idle    *time.Timer
	idleGen uint64
	closed  bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithQuietPeriod sets how long synced/error is held before idle.
func WithQuietPeriod(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.quiet = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Broadcaster) { b.log = l }
}

// New creates a Broadcaster in the idle state.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		quiet:   DefaultQuietPeriod,
		log:     zerolog.Nop(),
		subs:    make(map[uint64]*Subscription),
		current: Event{State: Idle, At: time.Now().UTC()},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Current returns the most recent event.
func (b *Broadcaster) Current() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Publish records a transition and delivers it to every subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.publishLocked(ev)

	switch {
	case ev.State.Terminal():
		b.armIdle()
	case ev.State == Syncing:
		b.stopIdle()
	}
}

func (b *Broadcaster) publishLocked(ev Event) {
	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.current = ev
	for _, s := range b.subs {
		s.push(ev)
	}
	if ev.State == Error {
		b.log.Debug().Str("kind", ev.Kind).Str("entity_id", ev.EntityID).Str("error", ev.Err).Msg("status: error")
	}
}

func (b *Broadcaster) armIdle() {
	b.stopIdle()
	gen := b.idleGen
	b.idle = time.AfterFunc(b.quiet, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || b.idleGen != gen {
			return
		}
		b.idle = nil
		b.publishLocked(Event{State: Idle})
	})
}

func (b *Broadcaster) stopIdle() {
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
	b.idleGen++
}

// Subscribe registers a new subscriber. The current state is delivered
// first.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		b:      b,
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.stop()
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	s.push(b.current)
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.stop()
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops the idle timer and closes every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopIdle()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Subscription receives events on C until unsubscribed.
type Subscription struct {
	id     uint64
	b      *Broadcaster
	out    chan Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	mailbox []Event
}

// C returns the event channel. It is closed after Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close is shorthand for Unsubscribe.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if n := len(s.mailbox); n > 0 && !ev.State.Terminal() && !s.mailbox[n-1].State.Terminal() {
		s.mailbox[n-1] = ev
	} else {
		s.mailbox = append(s.mailbox, ev)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mailbox) == 0 {
		return Event{}, false
	}
	ev := s.mailbox[0]
	s.mailbox = s.mailbox[1:]
	return ev, true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		for {
			ev, ok := s.pop()
			if !ok {
				break
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}
