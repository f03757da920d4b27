package notify

import (
	"context"
	"sync"
)

// MemoryLogStore is an in-memory delivery log for demo/development mode.
type MemoryLogStore struct {
	deliveries map[string]*Delivery
	mu         sync.RWMutex
}

// NewMemoryLogStore creates a new in-memory delivery log.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{
		deliveries: make(map[string]*Delivery),
	}
}

func (m *MemoryLogStore) Create(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryLogStore) Update(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryLogStore) Get(ctx context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryLogStore) Exists(ctx context.Context, messageID string, t OutcomeType) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.deliveries {
		if d.MessageID == messageID && d.Type == t && d.Status != StatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryLogStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Delivery
	for _, d := range m.deliveries {
		if d.TransactionID == transactionID {
			cp := *d
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryLogStore implements LogStore.
var _ LogStore = (*MemoryLogStore)(nil)
