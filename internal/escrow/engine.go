package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/replygate/replygate/internal/idgen"
	"github.com/replygate/replygate/internal/logging"
	"github.com/replygate/replygate/internal/metrics"
	"github.com/replygate/replygate/internal/money"
	"github.com/replygate/replygate/internal/notify"
	"github.com/replygate/replygate/internal/traces"
)

// PaymentProvider moves money after a settlement decision is committed.
// Implementations must be idempotent on the supplied key: retrying a call
// with the same key must not move money twice.
type PaymentProvider interface {
	// Transfer pays amountCents to the transaction's payout account and
	// returns the provider transfer id.
	Transfer(ctx context.Context, txn *Transaction, amountCents int64, idempotencyKey string) (string, error)
	// Refund returns the full charge behind the transaction's payment
	// intent and returns the provider refund id.
	Refund(ctx context.Context, txn *Transaction, idempotencyKey string) (string, error)
}

// Notifier enqueues an outcome email. Delivery is asynchronous and
// best-effort; Enqueue never blocks settlement.
type Notifier interface {
	Enqueue(ctx context.Context, outcome notify.Outcome)
}

// Engine owns every mutation of escrow transactions.
//
// Settlement is claim-first: the status row is transitioned with a
// conditional compare-and-set before any money moves. The winner of a
// concurrent race performs the provider call; every loser re-reads and
// reports either an idempotent no-op (already at the target) or a conflict
// (resolved to a different terminal state). A crash between the claim and
// the provider call leaves a row the reconciler replays later.
type Engine struct {
	store    Store
	audit    AuditLog
	provider PaymentProvider
	notifier Notifier
	logger   *slog.Logger

	defaultDeadline time.Duration
	grace           time.Duration
	defaultShare    int
	currency        string

	now func() time.Time
}

// EngineConfig carries the policy knobs for a new Engine.
type EngineConfig struct {
	ResponseDeadline      time.Duration
	GracePeriod           time.Duration
	RecipientSharePercent int
	Currency              string
}

func NewEngine(store Store, audit AuditLog, provider PaymentProvider, notifier Notifier, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:           store,
		audit:           audit,
		provider:        provider,
		notifier:        notifier,
		logger:          logger,
		defaultDeadline: cfg.ResponseDeadline,
		grace:           cfg.GracePeriod,
		defaultShare:    cfg.RecipientSharePercent,
		currency:        cfg.Currency,
		now:             time.Now,
	}
}

// WithClock overrides the engine's time source. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// GracePeriod returns the configured post-deadline grace window.
func (e *Engine) GracePeriod() time.Duration { return e.grace }

// CreateRequest describes a new escrow hold.
type CreateRequest struct {
	MessageID             string `json:"messageId"`
	Amount                string `json:"amount"` // decimal string, e.g. "20.00"
	Currency              string `json:"currency,omitempty"`
	SenderEmail           string `json:"senderEmail"`
	RecipientUserID       string `json:"recipientUserId"`
	RecipientEmail        string `json:"recipientEmail"`
	RecipientSharePercent int    `json:"recipientSharePercent,omitempty"`
	DeadlineHours         int    `json:"deadlineHours,omitempty"`
	PaymentIntentID       string `json:"paymentIntentId"`
	PayoutAccountID       string `json:"payoutAccountId,omitempty"`
}

// Create opens a new escrow hold for a message. A recipient without a payout
// account starts in pending_user_setup; everyone else starts held with the
// response deadline running.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	cents, ok := money.ParseCents(req.Amount)
	if !ok || cents <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.MessageID == "" || req.SenderEmail == "" || req.RecipientUserID == "" || req.RecipientEmail == "" {
		return nil, fmt.Errorf("messageId, senderEmail, recipientUserId and recipientEmail are required")
	}
	share := req.RecipientSharePercent
	if share == 0 {
		share = e.defaultShare
	}
	if share < 0 || share > 100 {
		return nil, fmt.Errorf("recipientSharePercent must be between 0 and 100")
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = e.currency
	}
	deadline := e.defaultDeadline
	if req.DeadlineHours > 0 {
		deadline = time.Duration(req.DeadlineHours) * time.Hour
	}

	now := e.now().UTC()
	status := StatusHeld
	if req.PayoutAccountID == "" {
		status = StatusPendingUserSetup
	}
	txn := &Transaction{
		ID:                    idgen.WithPrefix("txn_"),
		MessageID:             req.MessageID,
		AmountCents:           cents,
		Currency:              currency,
		SenderEmail:           req.SenderEmail,
		RecipientUserID:       req.RecipientUserID,
		RecipientEmail:        req.RecipientEmail,
		RecipientSharePercent: share,
		Status:                status,
		PaymentIntentID:       req.PaymentIntentID,
		PayoutAccountID:       req.PayoutAccountID,
		CreatedAt:             now,
		ExpiresAt:             now.Add(deadline),
	}
	if err := e.store.Create(ctx, txn); err != nil {
		return nil, err
	}
	e.appendAudit(ctx, txn.ID, "", status, CauseCreated, "escrow created")
	logging.L(ctx).Info("escrow created",
		"transaction_id", txn.ID,
		"message_id", txn.MessageID,
		"amount_cents", txn.AmountCents,
		"status", string(txn.Status),
		"expires_at", txn.ExpiresAt,
	)
	return txn, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*Transaction, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) GetByMessageID(ctx context.Context, messageID string) (*Transaction, error) {
	return e.store.GetByMessageID(ctx, messageID)
}

func (e *Engine) HasResponse(ctx context.Context, messageID string) (bool, error) {
	return e.store.HasResponse(ctx, messageID)
}

func (e *Engine) AuditTrail(ctx context.Context, transactionID string) ([]*AuditEntry, error) {
	return e.audit.ListByTransaction(ctx, transactionID)
}

// Release settles a held transaction in the recipient's favor: the recipient
// share is transferred, the remainder stays with the platform, and the
// message is marked responded.
//
// respondedAt is when the qualifying reply actually arrived; it is stamped
// on the write-once response record so a delayed replay does not shift the
// recorded response time. A zero respondedAt means "now" (operator-driven
// causes with no inbound email behind them).
//
// Calling Release on an already-released transaction is a no-op returning
// the current row. Any other terminal state returns ErrConflict. A
// transaction still awaiting payout-account setup records the response and
// returns ErrAwaitingSetup; activation replays the release.
func (e *Engine) Release(ctx context.Context, messageID string, cause Cause, respondedAt time.Time) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.MessageID(messageID),
		traces.TargetStatus(string(StatusReleased)),
		traces.Cause(string(cause)),
	)
	defer span.End()

	if respondedAt.IsZero() {
		respondedAt = e.now().UTC()
	}

	txn, err := e.claim(ctx, messageID, StatusReleased, cause)
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) && txn != nil && txn.Status == StatusPendingUserSetup {
			// The recipient answered before finishing payout onboarding.
			// Record the response now so ActivateRecipient replays the
			// release the moment the account goes live.
			if mErr := e.store.MarkResponded(ctx, messageID, respondedAt); mErr != nil {
				logging.L(ctx).Error("failed to mark message responded",
					"message_id", messageID, "error", mErr)
				return txn, mErr
			}
			logging.L(ctx).Info("release deferred until payout setup",
				"transaction_id", txn.ID, "message_id", messageID, "cause", string(cause))
			return txn, fmt.Errorf("%w: %s", ErrAwaitingSetup, txn.ID)
		}
		return txn, err
	}
	if txn.Status != StatusReleased {
		return txn, nil
	}
	span.SetAttributes(traces.TransactionID(txn.ID), traces.AmountCents(txn.AmountCents))

	recipientCents, platformCents := money.Split(txn.AmountCents, txn.RecipientSharePercent)
	transferID, err := e.provider.Transfer(ctx, txn, recipientCents,
		idempotencyKey(txn.ID, StatusReleased))
	if err != nil {
		return e.failTransfer(ctx, txn, fmt.Sprintf("transfer failed: %v", err))
	}
	if err := e.store.RecordTransfer(ctx, txn.ID, transferID); err != nil {
		logging.L(ctx).Error("failed to record transfer id", "transaction_id", txn.ID, "error", err)
	}
	txn.TransferID = transferID

	// Write-once; a second settlement attempt keeps the original timestamp.
	if err := e.store.MarkResponded(ctx, txn.MessageID, respondedAt); err != nil {
		logging.L(ctx).Error("failed to mark message responded", "message_id", txn.MessageID, "error", err)
	}

	e.appendAudit(ctx, txn.ID, StatusHeld, StatusReleased, cause,
		fmt.Sprintf("transfer %s: recipient %d, platform %d", transferID, recipientCents, platformCents))
	metrics.SettlementsTotal.WithLabelValues(string(StatusReleased), string(cause)).Inc()
	metrics.EscrowHoldDuration.Observe(e.now().Sub(txn.CreatedAt).Seconds())
	e.notifier.Enqueue(ctx, notify.Outcome{
		Type:          notify.OutcomeReleased,
		TransactionID: txn.ID,
		MessageID:     txn.MessageID,
		Recipient:     txn.RecipientEmail,
		AmountCents:   recipientCents,
		Currency:      txn.Currency,
	})
	logging.L(ctx).Info("escrow released",
		"transaction_id", txn.ID,
		"message_id", txn.MessageID,
		"cause", string(cause),
		"transfer_id", transferID,
		"recipient_cents", recipientCents,
	)
	return txn, nil
}

// Refund settles a held transaction in the sender's favor: the full amount
// goes back to the original payment.
func (e *Engine) Refund(ctx context.Context, messageID string, cause Cause) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund",
		traces.MessageID(messageID),
		traces.TargetStatus(string(StatusRefunded)),
		traces.Cause(string(cause)),
	)
	defer span.End()

	txn, err := e.claim(ctx, messageID, StatusRefunded, cause)
	if err != nil || txn.Status != StatusRefunded {
		return txn, err
	}
	span.SetAttributes(traces.TransactionID(txn.ID), traces.AmountCents(txn.AmountCents))

	refundID, err := e.provider.Refund(ctx, txn, idempotencyKey(txn.ID, StatusRefunded))
	if err != nil {
		return e.failTransfer(ctx, txn, fmt.Sprintf("refund failed: %v", err))
	}
	if err := e.store.RecordRefund(ctx, txn.ID, refundID); err != nil {
		logging.L(ctx).Error("failed to record refund id", "transaction_id", txn.ID, "error", err)
	}
	txn.RefundID = refundID

	e.appendAudit(ctx, txn.ID, StatusHeld, StatusRefunded, cause, "refund "+refundID)
	metrics.SettlementsTotal.WithLabelValues(string(StatusRefunded), string(cause)).Inc()
	metrics.EscrowHoldDuration.Observe(e.now().Sub(txn.CreatedAt).Seconds())
	e.notifier.Enqueue(ctx, notify.Outcome{
		Type:          notify.OutcomeRefunded,
		TransactionID: txn.ID,
		MessageID:     txn.MessageID,
		Recipient:     txn.SenderEmail,
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
	})
	logging.L(ctx).Info("escrow refunded",
		"transaction_id", txn.ID,
		"message_id", txn.MessageID,
		"cause", string(cause),
		"refund_id", refundID,
	)
	return txn, nil
}

// claim performs the compare-and-set from held to the target terminal state
// and classifies the outcome of a lost race. On return with txn.Status ==
// target the caller holds the claim and must complete the money movement.
func (e *Engine) claim(ctx context.Context, messageID string, target Status, cause Cause) (*Transaction, error) {
	txn, err := e.store.GetByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	switch {
	case txn.Status == target:
		// Already settled the way we wanted. Idempotent no-op.
		return txn, nil
	case txn.Status.Terminal():
		metrics.SettlementConflictsTotal.WithLabelValues(string(cause)).Inc()
		return txn, fmt.Errorf("%w: %s is %s", ErrConflict, txn.ID, txn.Status)
	case txn.Status != StatusHeld:
		return txn, fmt.Errorf("%w: cannot move %s from %s to %s", ErrInvalidStatus, txn.ID, txn.Status, target)
	}

	now := e.now().UTC()
	claimed, err := e.store.Transition(ctx, txn.ID, StatusHeld, target, &now, "")
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the race; re-read and classify.
		current, err := e.store.Get(ctx, txn.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == target {
			return current, nil
		}
		metrics.SettlementConflictsTotal.WithLabelValues(string(cause)).Inc()
		return current, fmt.Errorf("%w: %s is %s", ErrConflict, current.ID, current.Status)
	}
	txn.Status = target
	txn.ResolvedAt = &now
	return txn, nil
}

// failTransfer moves a freshly claimed transaction to transfer_failed after
// a provider error. The claim already committed, so this never unwinds the
// settlement decision; it parks the row for manual review.
func (e *Engine) failTransfer(ctx context.Context, txn *Transaction, reason string) (*Transaction, error) {
	from := txn.Status
	if _, err := e.store.Transition(ctx, txn.ID, from, StatusTransferFailed, txn.ResolvedAt, reason); err != nil {
		logging.L(ctx).Error("failed to park transaction after provider error",
			"transaction_id", txn.ID, "error", err)
		return txn, err
	}
	txn.Status = StatusTransferFailed
	txn.FailureReason = reason
	e.appendAudit(ctx, txn.ID, from, StatusTransferFailed, CauseTransferFailure, reason)
	metrics.SettlementsTotal.WithLabelValues(string(StatusTransferFailed), string(CauseTransferFailure)).Inc()
	e.notifier.Enqueue(ctx, notify.Outcome{
		Type:          notify.OutcomeTransferFailed,
		TransactionID: txn.ID,
		MessageID:     txn.MessageID,
		Recipient:     txn.RecipientEmail,
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
	})
	logging.L(ctx).Error("provider call failed after claim",
		"transaction_id", txn.ID, "message_id", txn.MessageID, "reason", reason)
	return txn, nil
}

// MarkPaymentFailed parks a transaction whose charge the provider reported
// as failed. No money moved, so there is nothing to transfer or refund.
func (e *Engine) MarkPaymentFailed(ctx context.Context, paymentIntentID, reason string) (*Transaction, error) {
	txn, err := e.store.GetByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if txn.Status == StatusPaymentFailed {
		return txn, nil
	}
	if txn.Status.Terminal() {
		return txn, fmt.Errorf("%w: %s is %s", ErrConflict, txn.ID, txn.Status)
	}
	from := txn.Status
	now := e.now().UTC()
	claimed, err := e.store.Transition(ctx, txn.ID, from, StatusPaymentFailed, &now, reason)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrConflict, txn.ID)
	}
	txn.Status = StatusPaymentFailed
	txn.ResolvedAt = &now
	txn.FailureReason = reason
	e.appendAudit(ctx, txn.ID, from, StatusPaymentFailed, CausePaymentFailure, reason)
	metrics.SettlementsTotal.WithLabelValues(string(StatusPaymentFailed), string(CausePaymentFailure)).Inc()
	logging.L(ctx).Warn("payment capture failed",
		"transaction_id", txn.ID, "payment_intent_id", paymentIntentID, "reason", reason)
	return txn, nil
}

// MarkTransferFailed parks a transaction after the provider reported an
// asynchronous payout failure (payout bounced, transfer reversed). Reachable
// from any state: even a released transaction can fail days later.
func (e *Engine) MarkTransferFailed(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	txn, err := e.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status == StatusTransferFailed {
		return txn, nil
	}
	from := txn.Status
	now := e.now().UTC()
	claimed, err := e.store.Transition(ctx, txn.ID, from, StatusTransferFailed, &now, reason)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrConflict, txn.ID)
	}
	txn.Status = StatusTransferFailed
	txn.FailureReason = reason
	e.appendAudit(ctx, txn.ID, from, StatusTransferFailed, CauseTransferFailure, reason)
	metrics.SettlementsTotal.WithLabelValues(string(StatusTransferFailed), string(CauseTransferFailure)).Inc()
	e.notifier.Enqueue(ctx, notify.Outcome{
		Type:          notify.OutcomeTransferFailed,
		TransactionID: txn.ID,
		MessageID:     txn.MessageID,
		Recipient:     txn.RecipientEmail,
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
	})
	return txn, nil
}

// ActivateRecipient moves every pending_user_setup transaction for the user
// to held once their payout account is live, then replays any settlements
// that were blocked on the missing account: a message the recipient already
// answered releases immediately.
func (e *Engine) ActivateRecipient(ctx context.Context, recipientUserID, payoutAccountID string) (int, error) {
	pending, err := e.store.ListPendingSetup(ctx, recipientUserID, 500)
	if err != nil {
		return 0, err
	}
	activated := 0
	for _, txn := range pending {
		if err := e.store.UpdatePayoutAccount(ctx, txn.ID, payoutAccountID); err != nil {
			logging.L(ctx).Error("failed to attach payout account",
				"transaction_id", txn.ID, "error", err)
			continue
		}
		claimed, err := e.store.Transition(ctx, txn.ID, StatusPendingUserSetup, StatusHeld, nil, "")
		if err != nil || !claimed {
			continue
		}
		activated++
		e.appendAudit(ctx, txn.ID, StatusPendingUserSetup, StatusHeld, CausePayoutSetup, "payout account "+payoutAccountID)

		// The original deadline keeps running through setup. An expired
		// transaction is left for the sweeper's next pass.
		responded, err := e.store.HasResponse(ctx, txn.MessageID)
		if err != nil {
			logging.L(ctx).Error("failed to check response during activation",
				"message_id", txn.MessageID, "error", err)
			continue
		}
		if responded {
			if _, err := e.Release(ctx, txn.MessageID, CausePayoutSetup, time.Time{}); err != nil {
				logging.L(ctx).Error("replay release failed during activation",
					"transaction_id", txn.ID, "error", err)
			}
		}
	}
	logging.L(ctx).Info("recipient activated",
		"recipient_user_id", recipientUserID, "activated", activated)
	return activated, nil
}

func (e *Engine) appendAudit(ctx context.Context, transactionID string, from, to Status, cause Cause, detail string) {
	entry := &AuditEntry{
		ID:            idgen.WithPrefix("aud_"),
		TransactionID: transactionID,
		FromStatus:    from,
		ToStatus:      to,
		Cause:         cause,
		Detail:        detail,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		logging.L(ctx).Error("failed to append audit entry",
			"transaction_id", transactionID, "error", err)
	}
}

func idempotencyKey(transactionID string, target Status) string {
	return transactionID + ":" + string(target)
}
