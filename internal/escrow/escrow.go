// Package escrow holds paid-message funds until the recipient responds.
//
// Flow:
//  1. Sender pays for a message → funds held in escrow
//  2. Recipient replies within the deadline (+grace) → recipient share released
//  3. No reply by deadline+grace → sender refunded in full
//  4. Provider failures → payment_failed / transfer_failed, manual reconciliation
//
// The settlement engine in engine.go is the only component that mutates
// escrow status or response flags. Detectors and sweepers propose
// transitions; they never write state directly.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("escrow transaction not found")
	ErrMessageExists = errors.New("escrow transaction already exists for this message")
	ErrInvalidStatus = errors.New("invalid escrow status for this transition")
	ErrAwaitingSetup = errors.New("release deferred until payout account setup completes")
	ErrConflict      = errors.New("escrow already resolved to a different terminal state")
	ErrInvalidAmount = errors.New("invalid amount")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPendingUserSetup Status = "pending_user_setup" // Recipient has no payout account yet
	StatusHeld             Status = "held"               // Funds held, awaiting response or deadline
	StatusReleased         Status = "released"           // Timely response, recipient share transferred
	StatusRefunded         Status = "refunded"           // Deadline passed, sender refunded in full
	StatusPaymentFailed    Status = "payment_failed"     // Provider reported capture failure
	StatusTransferFailed   Status = "transfer_failed"    // Payout or refund failed, needs manual review
)

// Terminal returns true if no automated transition may leave this status.
// transfer_failed is terminal for automation; only manual reconciliation
// moves money out of it.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusPaymentFailed, StatusTransferFailed:
		return true
	}
	return false
}

// Cause identifies what triggered a settlement transition.
type Cause string

const (
	CauseCreated         Cause = "escrow_created"
	CauseResponse        Cause = "response_received"
	CauseDeadline        Cause = "deadline_expired"
	CausePaymentFailure  Cause = "payment_capture_failed"
	CauseTransferFailure Cause = "transfer_failed"
	CausePayoutSetup     Cause = "payout_account_activated"
	CauseReconciliation  Cause = "reconciliation_replay"
)

// Transaction is the persistent record of one message's escrowed payment.
// Exactly one transaction exists per message.
type Transaction struct {
	ID                    string     `json:"id"`
	MessageID             string     `json:"messageId"`
	AmountCents           int64      `json:"amountCents"`
	Currency              string     `json:"currency"`
	SenderEmail           string     `json:"senderEmail"`
	RecipientUserID       string     `json:"recipientUserId"`
	RecipientEmail        string     `json:"recipientEmail"`
	RecipientSharePercent int        `json:"recipientSharePercent"`
	Status                Status     `json:"status"`
	PaymentIntentID       string     `json:"paymentIntentId,omitempty"`
	PayoutAccountID       string     `json:"payoutAccountId,omitempty"`
	TransferID            string     `json:"transferId,omitempty"`
	RefundID              string     `json:"refundId,omitempty"`
	FailureReason         string     `json:"failureReason,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	ExpiresAt             time.Time  `json:"expiresAt"`
	ResolvedAt            *time.Time `json:"resolvedAt,omitempty"`
}

// GraceDeadline returns the last instant (inclusive) at which a response
// still releases funds.
func (t *Transaction) GraceDeadline(grace time.Duration) time.Time {
	return t.ExpiresAt.Add(grace)
}

// Response is the write-once record of whether a message was answered.
type Response struct {
	MessageID          string     `json:"messageId"`
	HasResponse        bool       `json:"hasResponse"`
	ResponseReceivedAt *time.Time `json:"responseReceivedAt,omitempty"`
}

// Store persists escrow transactions and message responses.
//
// Transition is the concurrency-control primitive: a conditional
// compare-and-set on status. Callers treat a false return as "someone else
// got there first" and re-read to classify the outcome. Read paths take no
// application-level locks; consistency is enforced here.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByMessageID(ctx context.Context, messageID string) (*Transaction, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Transaction, error)

	// Transition atomically moves the transaction from `from` to `to`.
	// Returns false (and no error) when the row was not in `from`.
	Transition(ctx context.Context, id string, from, to Status, resolvedAt *time.Time, failureReason string) (bool, error)

	RecordTransfer(ctx context.Context, id, transferID string) error
	RecordRefund(ctx context.Context, id, refundID string) error
	UpdatePayoutAccount(ctx context.Context, id, payoutAccountID string) error

	// ListRefundable returns held transactions whose deadline passed before
	// the cutoff and whose message has no recorded response.
	ListRefundable(ctx context.Context, expiredBefore time.Time, limit int) ([]*Transaction, error)
	// ListReminderDue returns held transactions past the halfway point of
	// their response window.
	ListReminderDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	ListPendingSetup(ctx context.Context, recipientUserID string, limit int) ([]*Transaction, error)

	// MarkResponded sets hasResponse for the message. Write-once: later
	// calls keep the original timestamp and are not an error.
	MarkResponded(ctx context.Context, messageID string, at time.Time) error
	HasResponse(ctx context.Context, messageID string) (bool, error)
}
