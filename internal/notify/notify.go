// Package notify dispatches settlement-outcome emails.
//
// The dispatcher is deliberately decoupled from settlement: the Settlement
// Engine commits its state change first and then enqueues an outcome here.
// Delivery is best-effort — a notification failure never blocks or reverses
// a settlement decision. Every dispatch is logged with the provider-assigned
// message id so delivery status can be reconciled later.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replygate/replygate/internal/idgen"
	"github.com/replygate/replygate/internal/metrics"
	"github.com/replygate/replygate/internal/money"
	"github.com/replygate/replygate/internal/retry"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

// OutcomeType identifies the kind of notification to send.
type OutcomeType string

const (
	OutcomeReleased        OutcomeType = "released"
	OutcomeRefunded        OutcomeType = "refunded"
	OutcomeReminder        OutcomeType = "reminder"
	OutcomeTransferFailed  OutcomeType = "transfer_failed"
	OutcomeResponseForward OutcomeType = "response_forward"
)

// Outcome describes a settlement result (or reminder) to notify about.
type Outcome struct {
	Type          OutcomeType `json:"type"`
	TransactionID string      `json:"transactionId"`
	MessageID     string      `json:"messageId"`
	Recipient     string      `json:"recipient"` // destination email address
	AmountCents   int64       `json:"amountCents"`
	Currency      string      `json:"currency"`
	Subject       string      `json:"subject,omitempty"` // used for response forwarding
	Body          string      `json:"body,omitempty"`
}

// Delivery is the persisted record of one dispatch attempt.
type Delivery struct {
	ID                string      `json:"id"`
	Type              OutcomeType `json:"type"`
	TransactionID     string      `json:"transactionId"`
	MessageID         string      `json:"messageId"`
	Recipient         string      `json:"recipient"`
	Status            string      `json:"status"` // queued, sent, failed
	ProviderMessageID string      `json:"providerMessageId,omitempty"`
	Error             string      `json:"error,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	SentAt            *time.Time  `json:"sentAt,omitempty"`
}

const (
	StatusQueued = "queued"
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// LogStore persists delivery records.
type LogStore interface {
	Create(ctx context.Context, d *Delivery) error
	Update(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	// Exists reports whether a queued or sent delivery of the given type
	// was recorded for the message. Failed deliveries do not count, so a
	// dropped or bounced reminder is attempted again. Used for reminder
	// idempotency.
	Exists(ctx context.Context, messageID string, t OutcomeType) (bool, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Delivery, error)
}

// Emailer sends a single email and returns the provider-assigned message id.
type Emailer interface {
	Send(ctx context.Context, to, subject, body string) (string, error)
}

// Dispatcher is an asynchronous outbound notification queue.
type Dispatcher struct {
	store   LogStore
	emailer Emailer
	logger  *slog.Logger
	tasks   chan *Delivery
	bodies  sync.Map // delivery ID -> rendered subject/body, kept out of the log
}

type renderedMail struct {
	subject string
	body    string
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(store LogStore, emailer Emailer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		emailer: emailer,
		logger:  logger,
		tasks:   make(chan *Delivery, 256),
	}
}

// Enqueue records the delivery and queues it for sending. It never blocks:
// when the queue is full the delivery is marked failed and logged. Errors
// here must not propagate into settlement paths, so Enqueue returns nothing.
func (d *Dispatcher) Enqueue(ctx context.Context, outcome Outcome) {
	subject, body := render(outcome)

	delivery := &Delivery{
		ID:            idgen.WithPrefix("ntf_"),
		Type:          outcome.Type,
		TransactionID: outcome.TransactionID,
		MessageID:     outcome.MessageID,
		Recipient:     outcome.Recipient,
		Status:        StatusQueued,
		CreatedAt:     time.Now().UTC(),
	}

	if err := d.store.Create(ctx, delivery); err != nil {
		d.logger.Error("failed to record notification delivery",
			"deliveryId", delivery.ID, "type", outcome.Type, "error", err)
		return
	}

	d.bodies.Store(delivery.ID, renderedMail{subject: subject, body: body})

	select {
	case d.tasks <- delivery:
	default:
		d.bodies.Delete(delivery.ID)
		delivery.Status = StatusFailed
		delivery.Error = "notification queue full"
		_ = d.store.Update(ctx, delivery)
		d.logger.Warn("notification queue full, dropping delivery",
			"deliveryId", delivery.ID, "type", outcome.Type)
		metrics.NotificationDeliveriesTotal.WithLabelValues(string(outcome.Type), "dropped").Inc()
	}
}

// Delivered reports whether a queued or sent delivery of the given type is
// on record for the message. A delivery that ended up failed does not
// count: the next sweep retries it.
func (d *Dispatcher) Delivered(ctx context.Context, messageID string, t OutcomeType) (bool, error) {
	return d.store.Exists(ctx, messageID, t)
}

// Run processes queued deliveries until ctx is cancelled. Call in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.tasks:
			d.send(ctx, delivery)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, delivery *Delivery) {
	var mail renderedMail
	if v, ok := d.bodies.LoadAndDelete(delivery.ID); ok {
		mail = v.(renderedMail)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var providerID string
	err := retry.Do(sendCtx, 3, 500*time.Millisecond, func() error {
		var sendErr error
		providerID, sendErr = d.emailer.Send(sendCtx, delivery.Recipient, mail.subject, mail.body)
		return sendErr
	})

	now := time.Now().UTC()
	if err != nil {
		delivery.Status = StatusFailed
		delivery.Error = err.Error()
		d.logger.Warn("notification delivery failed",
			"deliveryId", delivery.ID, "type", delivery.Type, "error", err)
		metrics.NotificationDeliveriesTotal.WithLabelValues(string(delivery.Type), "failed").Inc()
	} else {
		delivery.Status = StatusSent
		delivery.ProviderMessageID = providerID
		delivery.SentAt = &now
		metrics.NotificationDeliveriesTotal.WithLabelValues(string(delivery.Type), "sent").Inc()
	}

	if err := d.store.Update(ctx, delivery); err != nil {
		d.logger.Warn("failed to update notification delivery",
			"deliveryId", delivery.ID, "error", err)
	}
}

// render produces the subject and plain-text body for an outcome.
// Full template rendering lives with the email provider; these are the
// minimal operational texts the platform owns.
func render(o Outcome) (subject, body string) {
	amount := money.FormatCents(o.AmountCents)
	switch o.Type {
	case OutcomeReleased:
		return "Your reply earned " + amount,
			fmt.Sprintf("The recipient replied in time. %s has been transferred to your payout account for message %s.", amount, o.MessageID)
	case OutcomeRefunded:
		return "Your message was not answered - " + amount + " refunded",
			fmt.Sprintf("No reply arrived before the deadline. The full %s for message %s has been refunded.", amount, o.MessageID)
	case OutcomeReminder:
		return "Reminder: a paid message is waiting for your reply",
			fmt.Sprintf("You have an unanswered paid message (%s). Reply before the deadline to claim %s.", o.MessageID, amount)
	case OutcomeTransferFailed:
		return "Action required: payout failed for message " + o.MessageID,
			fmt.Sprintf("The %s payout for message %s failed and needs manual review.", amount, o.MessageID)
	case OutcomeResponseForward:
		return o.Subject, o.Body
	default:
		return "Replygate notification", o.Body
	}
}
