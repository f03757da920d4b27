package response

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTrackingStore is an in-memory TrackingStore for tests and local
// development.
type MemoryTrackingStore struct {
	mu        sync.RWMutex
	byID      map[string]*Tracking
	byInbound map[string]string
}

func NewMemoryTrackingStore() *MemoryTrackingStore {
	return &MemoryTrackingStore{
		byID:      make(map[string]*Tracking),
		byInbound: make(map[string]string),
	}
}

func (s *MemoryTrackingStore) Insert(_ context.Context, tr *Tracking) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byInbound[tr.InboundEmailID]; exists {
		return false, nil
	}
	cp := *tr
	s.byID[tr.ID] = &cp
	s.byInbound[tr.InboundEmailID] = tr.ID
	return true, nil
}

func (s *MemoryTrackingStore) Get(_ context.Context, id string) (*Tracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.byID[id]
	if !ok {
		return nil, ErrTrackingNotFound
	}
	cp := *tr
	return &cp, nil
}

func (s *MemoryTrackingStore) GetByInboundEmailID(_ context.Context, inboundEmailID string) (*Tracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byInbound[inboundEmailID]
	if !ok {
		return nil, ErrTrackingNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryTrackingStore) MarkSettled(_ context.Context, id string, disposition Disposition, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.byID[id]
	if !ok {
		return ErrTrackingNotFound
	}
	tr.Settled = true
	tr.Disposition = disposition
	t := at
	tr.SettledAt = &t
	return nil
}

func (s *MemoryTrackingStore) ListUnsettled(_ context.Context, olderThan time.Time, limit int) ([]*Tracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Tracking
	for _, tr := range s.byID {
		if tr.Settled || !tr.ReceivedAt.Before(olderThan) {
			continue
		}
		cp := *tr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ TrackingStore = (*MemoryTrackingStore)(nil)
