// Package timerset provides keyed, restartable timers that can be
// cancelled individually or all at once.
package timerset

import (
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Set holds at most one pending timer per key.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	closed  bool
}

// New creates an empty Set.
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Reset (re)arms the timer for key so fn runs after d, replacing any pending
// timer for the same key. fn runs on its own goroutine, and never after the
// key has been reset again, stopped, or the set closed.
func (s *Set) Reset(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
	}

	s.gen++
	gen := s.gen
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(d, func() {
		if !s.claim(key, gen) {
			return
		}
		fn()
	})
	s.entries[key] = e
}

// claim removes the entry for key if it still belongs to generation gen.
func (s *Set) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.entries, key)
	return true
}

// Stop cancels the pending timer for key. It reports whether one was pending.
func (s *Set) Stop(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, key)
	return true
}

// Pending reports whether a timer is armed for key.
func (s *Set) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of armed timers.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StopAll cancels every pending timer. The set stays usable.
func (s *Set) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAllLocked()
}

// Close cancels every pending timer and rejects future Reset calls.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAllLocked()
	s.closed = true
}

func (s *Set) stopAllLocked() {
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
}
