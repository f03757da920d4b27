package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store and AuditLog for tests and local
// development.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*Transaction
	byMessageID map[string]string
	byIntentID  map[string]string
	responses   map[string]time.Time
	audit       []*AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*Transaction),
		byMessageID: make(map[string]string),
		byIntentID:  make(map[string]string),
		responses:   make(map[string]time.Time),
	}
}

func (s *MemoryStore) Create(_ context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byMessageID[txn.MessageID]; exists {
		return ErrMessageExists
	}
	cp := *txn
	s.byID[txn.ID] = &cp
	s.byMessageID[txn.MessageID] = txn.ID
	if txn.PaymentIntentID != "" {
		s.byIntentID[txn.PaymentIntentID] = txn.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (s *MemoryStore) GetByMessageID(_ context.Context, messageID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMessageID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) GetByPaymentIntent(_ context.Context, paymentIntentID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIntentID[paymentIntentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, resolvedAt *time.Time, failureReason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if txn.Status != from {
		return false, nil
	}
	txn.Status = to
	if resolvedAt != nil {
		t := *resolvedAt
		txn.ResolvedAt = &t
	}
	if failureReason != "" {
		txn.FailureReason = failureReason
	}
	return true, nil
}

func (s *MemoryStore) RecordTransfer(_ context.Context, id, transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	txn.TransferID = transferID
	return nil
}

func (s *MemoryStore) RecordRefund(_ context.Context, id, refundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	txn.RefundID = refundID
	return nil
}

func (s *MemoryStore) UpdatePayoutAccount(_ context.Context, id, payoutAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	txn.PayoutAccountID = payoutAccountID
	return nil
}

func (s *MemoryStore) ListRefundable(_ context.Context, expiredBefore time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, txn := range s.byID {
		if txn.Status != StatusHeld || !txn.ExpiresAt.Before(expiredBefore) {
			continue
		}
		if _, responded := s.responses[txn.MessageID]; responded {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sortByExpiry(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListReminderDue(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, txn := range s.byID {
		if txn.Status != StatusHeld {
			continue
		}
		halfway := txn.CreatedAt.Add(txn.ExpiresAt.Sub(txn.CreatedAt) / 2)
		if now.Before(halfway) || !now.Before(txn.ExpiresAt) {
			continue
		}
		if _, responded := s.responses[txn.MessageID]; responded {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sortByExpiry(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingSetup(_ context.Context, recipientUserID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, txn := range s.byID {
		if txn.Status != StatusPendingUserSetup || txn.RecipientUserID != recipientUserID {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sortByExpiry(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkResponded(_ context.Context, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.responses[messageID]; exists {
		return nil
	}
	s.responses[messageID] = at
	return nil
}

func (s *MemoryStore) HasResponse(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.responses[messageID]
	return ok, nil
}

func (s *MemoryStore) Append(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditEntry
	for _, entry := range s.audit {
		if entry.TransactionID == transactionID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func sortByExpiry(txns []*Transaction) {
	sort.Slice(txns, func(i, j int) bool {
		return txns[i].ExpiresAt.Before(txns[j].ExpiresAt)
	})
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ AuditLog = (*MemoryStore)(nil)
)
