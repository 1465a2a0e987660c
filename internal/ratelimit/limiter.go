// Package ratelimit provides keyed debounce and throttle primitives.
//
// A Limiter holds one timer per key, so a call for key "a" never cancels or
// delays a pending call for key "b". For any single key at most one
// invocation of the wrapped function runs at a time; calls that arrive while
// it runs are coalesced and the latest value fires after it returns.
package ratelimit

import (
	"sync"
	"time"
)

type mode int

const (
	modeDebounce mode = iota
	modeThrottle
)

// Limiter wraps a function with a keyed debounce or throttle policy.
type Limiter[T any] struct {
	mode  mode
	delay time.Duration
	fn    func(key string, v T)

	mu    sync.Mutex
	slots map[string]*slot[T]
	wg    sync.WaitGroup
}

type slot[T any] struct {
	value     T
	pending   bool
	running   bool
	rerun     bool
	timer     *time.Timer
	gen       uint64
	windowEnd time.Time
}

// NewDebounce returns a Limiter that fires fn for a key only after delay has
// elapsed with no further calls for that key. Only the last value fires.
func NewDebounce[T any](delay time.Duration, fn func(key string, v T)) *Limiter[T] {
	return &Limiter[T]{mode: modeDebounce, delay: delay, fn: fn, slots: make(map[string]*slot[T])}
}

// NewThrottle returns a Limiter that fires the first call for a key
// immediately and coalesces later calls inside the interval into a single
// trailing call carrying the last value.
func NewThrottle[T any](interval time.Duration, fn func(key string, v T)) *Limiter[T] {
	return &Limiter[T]{mode: modeThrottle, delay: interval, fn: fn, slots: make(map[string]*slot[T])}
}

// Delay returns the configured debounce delay or throttle interval.
func (l *Limiter[T]) Delay() time.Duration {
	return l.delay
}

// Call schedules fn(key, v) according to the limiter policy. It never blocks
// on fn.
func (l *Limiter[T]) Call(key string, v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &slot[T]{}
		l.slots[key] = s
	}
	s.value = v
	s.pending = true

	switch l.mode {
	case modeDebounce:
		s.rerun = false
		l.arm(key, s, l.delay)
	case modeThrottle:
		now := time.Now()
		if !s.running && s.timer == nil && !now.Before(s.windowEnd) {
			l.start(key, s, now)
			return
		}
		if s.timer == nil {
			l.arm(key, s, s.windowEnd.Sub(now))
		}
	}
}

// Flush fires the pending call for key immediately. Reports whether a call
// was pending.
func (l *Limiter[T]) Flush(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(key)
}

// FlushAll fires every pending call immediately and returns how many were
// pending. Use Wait to block until they complete.
func (l *Limiter[T]) FlushAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key := range l.slots {
		if l.flushLocked(key) {
			n++
		}
	}
	return n
}

func (l *Limiter[T]) flushLocked(key string) bool {
	s, ok := l.slots[key]
	if !ok || !s.pending {
		return false
	}
	l.stop(s)
	if s.running {
		s.rerun = true
		return true
	}
	l.start(key, s, time.Now())
	return true
}

// Cancel drops the pending call for key without firing it. An invocation
// already running is not interrupted. Reports whether a call was pending.
func (l *Limiter[T]) Cancel(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelLocked(key)
}

// CancelAll drops every pending call and returns how many were dropped.
func (l *Limiter[T]) CancelAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key := range l.slots {
		if l.cancelLocked(key) {
			n++
		}
	}
	return n
}

func (l *Limiter[T]) cancelLocked(key string) bool {
	s, ok := l.slots[key]
	if !ok || !s.pending {
		return false
	}
	l.stop(s)
	var zero T
	s.value = zero
	s.pending = false
	s.rerun = false
	l.release(key, s)
	return true
}

// Pending returns the number of keys with a call waiting to fire.
func (l *Limiter[T]) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.slots {
		if s.pending {
			n++
		}
	}
	return n
}

// IsPending reports whether key has a call waiting to fire.
func (l *Limiter[T]) IsPending(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	return ok && s.pending
}

// Wait blocks until every invocation started so far has returned.
func (l *Limiter[T]) Wait() {
	l.wg.Wait()
}

// arm (re)starts the key's timer. A bumped generation invalidates any
// callback from a timer that already fired but has not taken the lock yet.
func (l *Limiter[T]) arm(key string, s *slot[T], d time.Duration) {
	l.stop(s)
	gen := s.gen
	s.timer = time.AfterFunc(d, func() { l.fire(key, gen) })
}

func (l *Limiter[T]) stop(s *slot[T]) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (l *Limiter[T]) fire(key string, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok || s.gen != gen {
		return
	}
	s.timer = nil
	if !s.pending {
		l.release(key, s)
		return
	}
	if s.running {
		s.rerun = true
		return
	}
	l.start(key, s, time.Now())
}

// start must be called with mu held and s.pending set.
func (l *Limiter[T]) start(key string, s *slot[T], now time.Time) {
	v := l.take(s, now)
	l.wg.Add(1)
	go l.run(key, s, v)
}

func (l *Limiter[T]) take(s *slot[T], now time.Time) T {
	v := s.value
	var zero T
	s.value = zero
	s.pending = false
	s.running = true
	s.rerun = false
	s.windowEnd = now.Add(l.delay)
	return v
}

func (l *Limiter[T]) run(key string, s *slot[T], v T) {
	defer l.wg.Done()
	for {
		l.fn(key, v)

		l.mu.Lock()
		s.running = false
		if s.rerun && s.pending {
			v = l.take(s, time.Now())
			l.mu.Unlock()
			continue
		}
		s.rerun = false
		if l.mode == modeThrottle && s.pending && s.timer == nil {
			l.arm(key, s, time.Until(s.windowEnd))
		}
		l.release(key, s)
		l.mu.Unlock()
		return
	}
}

// release forgets an idle slot. Throttle slots are kept until their window
// closes so the next call still honours the interval.
func (l *Limiter[T]) release(key string, s *slot[T]) {
	if s.pending || s.running || s.timer != nil {
		return
	}
	if l.mode == modeThrottle && time.Now().Before(s.windowEnd) {
		return
	}
	if l.slots[key] == s {
		delete(l.slots, key)
	}
}
