// Package sweeper enforces response deadlines. A periodic pass refunds held
// escrows whose deadline plus grace passed with no response, and sends a
// halfway-point reminder to recipients who have not yet replied.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/replygate/replygate/internal/escrow"
	"github.com/replygate/replygate/internal/metrics"
	"github.com/replygate/replygate/internal/notify"
)

const batchSize = 100

// Settler is the slice of the escrow engine the sweeper needs.
type Settler interface {
	Refund(ctx context.Context, messageID string, cause escrow.Cause) (*escrow.Transaction, error)
}

// Lister provides the candidate transactions for a sweep pass.
type Lister interface {
	ListRefundable(ctx context.Context, expiredBefore time.Time, limit int) ([]*escrow.Transaction, error)
	ListReminderDue(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error)
}

// Reminder sends the halfway-point nudge and answers whether one was
// already sent for a message.
type Reminder interface {
	Enqueue(ctx context.Context, outcome notify.Outcome)
	Delivered(ctx context.Context, messageID string, t notify.OutcomeType) (bool, error)
}

// Sweeper runs the deadline pass.
type Sweeper struct {
	settler  Settler
	lister   Lister
	reminder Reminder
	logger   *slog.Logger
	grace    time.Duration
	now      func() time.Time
}

func New(settler Settler, lister Lister, reminder Reminder, grace time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		settler:  settler,
		lister:   lister,
		reminder: reminder,
		logger:   logger,
		grace:    grace,
		now:      time.Now,
	}
}

// WithClock overrides the sweeper's time source. Tests only.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Stats summarizes one sweep pass.
type Stats struct {
	Refunded int `json:"refunded"`
	Reminded int `json:"reminded"`
	Skipped  int `json:"skipped"`
}

// RunOnce executes a single sweep pass. A transaction that raced with a
// concurrent settlement is counted as skipped, not failed: the sweeper only
// proposes refunds and the engine decides.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	now := s.now().UTC()

	// Refund eligibility starts strictly after expiresAt + grace; a reply
	// at exactly the boundary still wins.
	cutoff := now.Add(-s.grace)
	expired, err := s.lister.ListRefundable(ctx, cutoff, batchSize)
	if err != nil {
		return stats, err
	}
	for _, txn := range expired {
		_, err := s.settler.Refund(ctx, txn.MessageID, escrow.CauseDeadline)
		switch {
		case errors.Is(err, escrow.ErrConflict), errors.Is(err, escrow.ErrInvalidStatus):
			stats.Skipped++
			continue
		case err != nil:
			s.logger.Warn("sweep refund failed",
				"transaction_id", txn.ID, "message_id", txn.MessageID, "error", err)
			stats.Skipped++
			continue
		}
		stats.Refunded++
		metrics.SweepRefundsTotal.Inc()
		s.logger.Info("escrow refunded by sweep",
			"transaction_id", txn.ID,
			"message_id", txn.MessageID,
			"expired_at", txn.ExpiresAt,
		)
	}

	reminded, err := s.remind(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Reminded = reminded
	return stats, nil
}

// remind nudges recipients halfway through the response window. Idempotency
// rides on the notification log: one reminder per message, ever.
func (s *Sweeper) remind(ctx context.Context, now time.Time) (int, error) {
	due, err := s.lister.ListReminderDue(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}
	reminded := 0
	for _, txn := range due {
		sent, err := s.reminder.Delivered(ctx, txn.MessageID, notify.OutcomeReminder)
		if err != nil {
			s.logger.Warn("failed to check reminder state",
				"message_id", txn.MessageID, "error", err)
			continue
		}
		if sent {
			continue
		}
		s.reminder.Enqueue(ctx, notify.Outcome{
			Type:          notify.OutcomeReminder,
			TransactionID: txn.ID,
			MessageID:     txn.MessageID,
			Recipient:     txn.RecipientEmail,
			AmountCents:   txn.AmountCents,
			Currency:      txn.Currency,
		})
		reminded++
		metrics.SweepRemindersTotal.Inc()
		s.logger.Info("reminder queued",
			"transaction_id", txn.ID,
			"message_id", txn.MessageID,
			"expires_at", txn.ExpiresAt,
		)
	}
	return reminded, nil
}
