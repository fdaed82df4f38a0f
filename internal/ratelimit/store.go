package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Entry is the sliding-window state of one identity. Stamps is non-decreasing.
type Entry struct {
	Stamps    []time.Time
	LastPrune time.Time
}

// prune drops every stamp strictly before windowStart.
func (e *Entry) prune(windowStart, now time.Time) {
	i := 0
	for i < len(e.Stamps) && e.Stamps[i].Before(windowStart) {
		i++
	}
	if i > 0 {
		e.Stamps = append(e.Stamps[:0], e.Stamps[i:]...)
	}
	e.LastPrune = now
}

// live returns the stamps at or after windowStart without pruning the rest.
func (e *Entry) live(windowStart time.Time) []time.Time {
	i := sort.Search(len(e.Stamps), func(i int) bool { return !e.Stamps[i].Before(windowStart) })
	return e.Stamps[i:]
}

func (e *Entry) newest() (time.Time, bool) {
	if len(e.Stamps) == 0 {
		return time.Time{}, false
	}
	return e.Stamps[len(e.Stamps)-1], true
}

// Store holds entries by identity key. Implementations must be safe for concurrent use; callers
// serialize access to a single key themselves.
type Store interface {
	Get(key string) (*Entry, bool)
	Set(key string, e *Entry)
	Delete(key string)
	// Range calls fn for a snapshot of keys; returning false stops the iteration.
	Range(fn func(key string, e *Entry) bool)
	Len() int
}

// MemoryStore is the default process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Get(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *MemoryStore) Set(key string, e *Entry) {
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *MemoryStore) Range(fn func(key string, e *Entry) bool) {
	s.mu.RLock()
	snapshot := make(map[string]*Entry, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
