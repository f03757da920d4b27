package payments

import (
	"context"
	"sync"
)

// MemoryEventStore is an in-memory EventStore for tests and local
// development.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*WebhookEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*WebhookEvent)}
}

func (s *MemoryEventStore) Insert(_ context.Context, ev *WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; exists {
		return false, nil
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return true, nil
}

func (s *MemoryEventStore) Get(_ context.Context, id string) (*WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryEventStore) SetResult(_ context.Context, id, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Result = result
	return nil
}

var _ EventStore = (*MemoryEventStore)(nil)
