// Package response detects recipient replies from inbound email webhooks
// and proposes settlements to the escrow engine.
//
// Every paid message carries a unique reply address of the form
// reply+{messageId}@{replyDomain}. The email provider posts each inbound
// email here; the detector extracts the message id, records the email in a
// write-once tracking table, and asks the engine to release funds when the
// reply arrived in time. The tracking insert happens before the settlement
// call, so a crash in between leaves an unsettled row the reconciler
// replays.
package response

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/replygate/replygate/internal/escrow"
	"github.com/replygate/replygate/internal/idgen"
	"github.com/replygate/replygate/internal/logging"
	"github.com/replygate/replygate/internal/metrics"
	"github.com/replygate/replygate/internal/notify"
)

var ErrTrackingNotFound = errors.New("response tracking record not found")

// Disposition classifies the handling of one inbound email.
type Disposition string

const (
	DispositionNoMatch       Disposition = "no_match"       // no reply+ address among recipients
	DispositionNotApplicable Disposition = "not_applicable" // reply address references no known escrow
	DispositionDuplicate     Disposition = "duplicate"      // provider redelivered an email we already processed
	DispositionLate          Disposition = "late"           // reply arrived after deadline + grace
	DispositionConflict      Disposition = "conflict"       // escrow already resolved another way
	DispositionReleased      Disposition = "released"       // timely reply, settlement proposed and committed
	DispositionPendingSetup  Disposition = "pending_setup"  // timely reply recorded; release replays after payout activation
)

// InboundEmail is the provider-neutral shape of an inbound email webhook.
type InboundEmail struct {
	ProviderID string    `json:"messageId"` // provider-assigned id, idempotency key
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	TextBody   string    `json:"textBody"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Tracking is the write-once record of one processed inbound email.
type Tracking struct {
	ID              string      `json:"id"`
	InboundEmailID  string      `json:"inboundEmailId"`
	MessageID       string      `json:"messageId"`
	FromEmail       string      `json:"fromEmail"`
	WithinDeadline  bool        `json:"withinDeadline"`
	GracePeriodUsed bool        `json:"gracePeriodUsed"`
	Settled         bool        `json:"settled"`
	Disposition     Disposition `json:"disposition"`
	ReceivedAt      time.Time   `json:"receivedAt"`
	SettledAt       *time.Time  `json:"settledAt,omitempty"`
}

// TrackingStore persists response tracking rows.
//
// Insert is the idempotency primitive: it must atomically refuse a second
// row with the same InboundEmailID and report false, with no error.
type TrackingStore interface {
	Insert(ctx context.Context, tr *Tracking) (bool, error)
	Get(ctx context.Context, id string) (*Tracking, error)
	GetByInboundEmailID(ctx context.Context, inboundEmailID string) (*Tracking, error)
	MarkSettled(ctx context.Context, id string, disposition Disposition, at time.Time) error
	// ListUnsettled returns accepted-but-unsettled rows older than the
	// cutoff, for reconciliation.
	ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]*Tracking, error)
}

// Settler is the slice of the escrow engine the detector needs.
type Settler interface {
	GetByMessageID(ctx context.Context, messageID string) (*escrow.Transaction, error)
	Release(ctx context.Context, messageID string, cause escrow.Cause, respondedAt time.Time) (*escrow.Transaction, error)
}

// Notifier forwards the reply body to the original sender.
type Notifier interface {
	Enqueue(ctx context.Context, outcome notify.Outcome)
}

// Detector turns inbound emails into settlement proposals.
type Detector struct {
	store       TrackingStore
	settler     Settler
	notifier    Notifier
	logger      *slog.Logger
	replyDomain string
	grace       time.Duration
	now         func() time.Time
}

func NewDetector(store TrackingStore, settler Settler, notifier Notifier, replyDomain string, grace time.Duration, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		store:       store,
		settler:     settler,
		notifier:    notifier,
		logger:      logger,
		replyDomain: strings.ToLower(replyDomain),
		grace:       grace,
		now:         time.Now,
	}
}

// WithClock overrides the detector's time source. Tests only.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Result reports how one inbound email was handled.
type Result struct {
	Disposition Disposition `json:"disposition"`
	MessageID   string      `json:"messageId,omitempty"`
	TrackingID  string      `json:"trackingId,omitempty"`
}

// Process handles one inbound email end to end: match, record, settle.
// It never returns an error for business dispositions — an unmatched or
// late email is a handled outcome, not a failure.
func (d *Detector) Process(ctx context.Context, email InboundEmail) (*Result, error) {
	messageID, ok := d.matchReplyAddress(email.To)
	if !ok {
		metrics.InboundEmailsTotal.WithLabelValues(string(DispositionNoMatch)).Inc()
		return &Result{Disposition: DispositionNoMatch}, nil
	}

	ctx = logging.WithMessageID(ctx, messageID)

	receivedAt := email.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = d.now().UTC()
	}

	txn, err := d.settler.GetByMessageID(ctx, messageID)
	if errors.Is(err, escrow.ErrNotFound) {
		return d.record(ctx, email, messageID, receivedAt, DispositionNotApplicable, false, false)
	}
	if err != nil {
		return nil, err
	}

	within, graceUsed, late := d.classifyTiming(txn, receivedAt)
	if late {
		return d.record(ctx, email, messageID, receivedAt, DispositionLate, false, false)
	}

	// Accept: insert the tracking row before proposing settlement so a
	// redelivered webhook can never settle twice.
	tracking := &Tracking{
		ID:              idgen.WithPrefix("trk_"),
		InboundEmailID:  email.ProviderID,
		MessageID:       messageID,
		FromEmail:       email.From,
		WithinDeadline:  within,
		GracePeriodUsed: graceUsed,
		ReceivedAt:      receivedAt,
	}
	inserted, err := d.store.Insert(ctx, tracking)
	if err != nil {
		return nil, err
	}
	if !inserted {
		metrics.InboundEmailsTotal.WithLabelValues(string(DispositionDuplicate)).Inc()
		existing, err := d.store.GetByInboundEmailID(ctx, email.ProviderID)
		if err != nil {
			return &Result{Disposition: DispositionDuplicate, MessageID: messageID}, nil
		}
		return &Result{Disposition: DispositionDuplicate, MessageID: messageID, TrackingID: existing.ID}, nil
	}

	settled, err := d.settler.Release(ctx, messageID, escrow.CauseResponse, receivedAt)
	disposition := DispositionReleased
	switch {
	case errors.Is(err, escrow.ErrAwaitingSetup):
		// Response recorded against a recipient still in payout onboarding.
		// The row stays unsettled: activation replays the release and the
		// reconciler closes the row once the escrow reaches a terminal state.
		disposition = DispositionPendingSetup
	case errors.Is(err, escrow.ErrConflict), errors.Is(err, escrow.ErrInvalidStatus):
		disposition = DispositionConflict
	case err != nil:
		// Settlement call failed outright; leave the row unsettled for the
		// reconciler and surface the error to the provider for redelivery.
		logging.L(ctx).Error("settlement proposal failed",
			"message_id", messageID, "tracking_id", tracking.ID, "error", err)
		return nil, err
	}

	if disposition != DispositionPendingSetup {
		if err := d.store.MarkSettled(ctx, tracking.ID, disposition, d.now().UTC()); err != nil {
			logging.L(ctx).Error("failed to mark tracking settled",
				"tracking_id", tracking.ID, "error", err)
		}
	}
	metrics.InboundEmailsTotal.WithLabelValues(string(disposition)).Inc()

	// The sender gets the reply content as soon as it arrives, even when
	// the payout itself is still waiting on account setup.
	if (disposition == DispositionReleased || disposition == DispositionPendingSetup) && settled != nil {
		d.notifier.Enqueue(ctx, notify.Outcome{
			Type:          notify.OutcomeResponseForward,
			TransactionID: settled.ID,
			MessageID:     messageID,
			Recipient:     settled.SenderEmail,
			Subject:       email.Subject,
			Body:          email.TextBody,
		})
	}

	logging.L(ctx).Info("inbound email processed",
		"message_id", messageID,
		"tracking_id", tracking.ID,
		"disposition", string(disposition),
		"within_deadline", within,
		"grace_used", graceUsed,
	)
	return &Result{Disposition: disposition, MessageID: messageID, TrackingID: tracking.ID}, nil
}

// classifyTiming decides whether a reply arrived in time. The boundary is
// inclusive: a reply at exactly expiresAt+grace still counts. A transaction
// with no deadline set is accepted and flagged as grace-period use so it
// stands out in the tracking table.
func (d *Detector) classifyTiming(txn *escrow.Transaction, receivedAt time.Time) (within, graceUsed, late bool) {
	if txn.ExpiresAt.IsZero() {
		return false, true, false
	}
	if !receivedAt.After(txn.ExpiresAt) {
		return true, false, false
	}
	if !receivedAt.After(txn.GraceDeadline(d.grace)) {
		return false, true, false
	}
	return false, false, true
}

// record inserts a tracked-but-not-settleable row (not_applicable, late).
// These rows are settled immediately: there is nothing left to do for them.
func (d *Detector) record(ctx context.Context, email InboundEmail, messageID string, receivedAt time.Time, disposition Disposition, within, graceUsed bool) (*Result, error) {
	now := d.now().UTC()
	tracking := &Tracking{
		ID:              idgen.WithPrefix("trk_"),
		InboundEmailID:  email.ProviderID,
		MessageID:       messageID,
		FromEmail:       email.From,
		WithinDeadline:  within,
		GracePeriodUsed: graceUsed,
		Settled:         true,
		Disposition:     disposition,
		ReceivedAt:      receivedAt,
		SettledAt:       &now,
	}
	inserted, err := d.store.Insert(ctx, tracking)
	if err != nil {
		return nil, err
	}
	if !inserted {
		metrics.InboundEmailsTotal.WithLabelValues(string(DispositionDuplicate)).Inc()
		return &Result{Disposition: DispositionDuplicate, MessageID: messageID}, nil
	}
	metrics.InboundEmailsTotal.WithLabelValues(string(disposition)).Inc()
	logging.L(ctx).Info("inbound email recorded without settlement",
		"message_id", messageID, "disposition", string(disposition))
	return &Result{Disposition: disposition, MessageID: messageID, TrackingID: tracking.ID}, nil
}

// matchReplyAddress scans the recipient list for reply+{messageId}@domain.
func (d *Detector) matchReplyAddress(to []string) (string, bool) {
	for _, addr := range to {
		addr = strings.ToLower(strings.TrimSpace(addr))
		local, domain, found := strings.Cut(addr, "@")
		if !found || domain != d.replyDomain {
			continue
		}
		messageID, ok := strings.CutPrefix(local, "reply+")
		if !ok || messageID == "" {
			continue
		}
		return messageID, true
	}
	return "", false
}
