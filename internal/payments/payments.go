// Package payments integrates with Stripe: outbound money movement for the
// escrow engine (transfers, refunds) and inbound webhook events that feed
// payment failures, payout reversals and account activations back into it.
package payments

import (
	"context"
	"errors"
	"time"
)

var ErrEventNotFound = errors.New("webhook event not found")

// WebhookEvent is the processed-events ledger row. The provider event id is
// the primary key, so a redelivered event is detected by a failed insert
// before any side effect runs.
type WebhookEvent struct {
	ID          string    `json:"id"` // provider-assigned event id
	Type        string    `json:"type"`
	Result      string    `json:"result"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Processing results recorded per event.
const (
	ResultApplied   = "applied"
	ResultIgnored   = "ignored"
	ResultDuplicate = "duplicate"
	ResultError     = "error"
)

// EventStore persists the processed-events ledger.
//
// Insert must atomically refuse a second row with the same event id and
// report false, with no error.
type EventStore interface {
	Insert(ctx context.Context, ev *WebhookEvent) (bool, error)
	Get(ctx context.Context, id string) (*WebhookEvent, error)
	SetResult(ctx context.Context, id, result string) error
}
