package escrow

import (
	"context"
	"time"
)

// AuditEntry records one settlement transition for offline review.
// Entries are append-only; nothing in the system updates or deletes them.
type AuditEntry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	FromStatus    Status    `json:"fromStatus"`
	ToStatus      Status    `json:"toStatus"`
	Cause         Cause     `json:"cause"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuditLog is the append-only trail of settlement transitions.
type AuditLog interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*AuditEntry, error)
}
