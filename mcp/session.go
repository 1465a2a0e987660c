package mcp

import (
	"fmt"
	"sync"
)

// QueueRef identifies a retry-queue entry surfaced to an agent.
type QueueRef struct {
	EntryID  int64
	Kind     string
	EntityID string
}

// QueueSession hands out short session refs (Q1, Q2, ...) for queue entries
// so an agent can act on an entry without copying its numeric id. Refs are
// stable for the lifetime of the session.
type QueueSession struct {
	mu      sync.Mutex
	refs    map[string]QueueRef // session ref (Q1, Q2) -> QueueRef
	reverse map[int64]string    // entry id -> session ref
	counter int
}

// NewQueueSession creates an empty session.
func NewQueueSession() *QueueSession {
	return &QueueSession{
		refs:    make(map[string]QueueRef),
		reverse: make(map[int64]string),
	}
}

// Track returns the session ref for a queue entry, assigning a new one on
// first sight.
func (s *QueueSession) Track(ref QueueRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.reverse[ref.EntryID]; ok {
		// Kind and entity never change for an entry id.
		return existing
	}

	s.counter++
	sessionRef := fmt.Sprintf("Q%d", s.counter)
	s.refs[sessionRef] = ref
	s.reverse[ref.EntryID] = sessionRef
	return sessionRef
}

// Resolve converts a session ref to its queue entry.
func (s *QueueSession) Resolve(sessionRef string) (QueueRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.refs[sessionRef]
	return ref, ok
}

// Forget drops a ref, typically after its entry was discarded.
func (s *QueueSession) Forget(sessionRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.refs[sessionRef]; ok {
		delete(s.reverse, ref.EntryID)
		delete(s.refs, sessionRef)
	}
}

// Len returns the number of tracked refs.
func (s *QueueSession) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Clear resets the session tracking, including the counter.
func (s *QueueSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]QueueRef)
	s.reverse = make(map[int64]string)
	s.counter = 0
}
