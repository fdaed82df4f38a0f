package webhook

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the default process-local Store.
type MemoryStore struct {
	mu         sync.RWMutex
	regs       map[string]Registration
	byOwner    map[string]map[string]struct{}
	deliveries map[string]map[string]Delivery
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regs:       make(map[string]Registration),
		byOwner:    make(map[string]map[string]struct{}),
		deliveries: make(map[string]map[string]Delivery),
	}
}

func (s *MemoryStore) Create(_ context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.ID] = clone(reg)
	idx, ok := s.byOwner[reg.Owner]
	if !ok {
		idx = make(map[string]struct{})
		s.byOwner[reg.Owner] = idx
	}
	idx[reg.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[id]
	if !ok {
		return Registration{}, ErrNotFound
	}
	return clone(reg), nil
}

func (s *MemoryStore) Update(_ context.Context, id, owner string, apply func(*Registration)) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok || reg.Owner != owner {
		return Registration{}, ErrNotFound
	}
	next := clone(reg)
	apply(&next)
	s.regs[id] = clone(next)
	return next, nil
}

func (s *MemoryStore) Delete(_ context.Context, id, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok || reg.Owner != owner {
		return false, nil
	}
	delete(s.regs, id)
	delete(s.deliveries, id)
	if idx, ok := s.byOwner[owner]; ok {
		delete(idx, id)
		if len(idx) == 0 {
			delete(s.byOwner, owner)
		}
	}
	return true, nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner, cursor string, limit int) ([]Registration, int, error) {
	s.mu.RLock()
	idx := s.byOwner[owner]
	items := make([]Registration, 0, len(idx))
	for id := range idx {
		items = append(items, clone(s.regs[id]))
	}
	s.mu.RUnlock()

	newestFirst(items)
	total := len(items)

	start := 0
	if cursor != "" {
		start = len(items)
		found := false
		for i, it := range items {
			if it.ID == cursor {
				start, found = i+1, true
				break
			}
		}
		if !found {
			// Cursor no longer exists; ids sort by creation so resume below it.
			for i, it := range items {
				if it.ID < cursor {
					start = i
					break
				}
			}
		}
	}
	items = items[start:]
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, total, nil
}

func (s *MemoryStore) Subscribers(_ context.Context, eventType string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Registration
	for _, reg := range s.regs {
		if reg.Active && reg.Subscribed(eventType) {
			out = append(out, clone(reg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[d.RegistrationID]; !ok {
		return ErrNotFound
	}
	byID, ok := s.deliveries[d.RegistrationID]
	if !ok {
		byID = make(map[string]Delivery)
		s.deliveries[d.RegistrationID] = byID
	}
	byID[d.ID] = d
	return nil
}

func (s *MemoryStore) Deliveries(_ context.Context, registrationID string) ([]Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Delivery, 0, len(s.deliveries[registrationID]))
	for _, d := range s.deliveries[registrationID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func clone(r Registration) Registration {
	r.Events = append([]string(nil), r.Events...)
	return r
}
