package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/replygate/replygate/internal/retry"
)

type stubEmailer struct {
	sends []sentMail
	err   error
}

type sentMail struct {
	to      string
	subject string
	body    string
}

func (s *stubEmailer) Send(_ context.Context, to, subject, body string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sends = append(s.sends, sentMail{to: to, subject: subject, body: body})
	return "pm_123", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func releasedOutcome() Outcome {
	return Outcome{
		Type:          OutcomeReleased,
		TransactionID: "txn_1",
		MessageID:     "msg_1",
		Recipient:     "alice@example.com",
		AmountCents:   1500,
		Currency:      "usd",
	}
}

// drain pulls one queued delivery off the task channel and sends it,
// standing in for the Run loop so tests stay deterministic.
func drain(t *testing.T, d *Dispatcher) *Delivery {
	t.Helper()
	select {
	case delivery := <-d.tasks:
		d.send(context.Background(), delivery)
		return delivery
	default:
		t.Fatal("no delivery queued")
		return nil
	}
}

func TestDispatcherSendsQueuedDelivery(t *testing.T) {
	store := NewMemoryLogStore()
	emailer := &stubEmailer{}
	d := NewDispatcher(store, emailer, testLogger())

	d.Enqueue(context.Background(), releasedOutcome())
	delivery := drain(t, d)

	if len(emailer.sends) != 1 {
		t.Fatalf("got %d sends, want 1", len(emailer.sends))
	}
	mail := emailer.sends[0]
	if mail.to != "alice@example.com" {
		t.Errorf("sent to %q", mail.to)
	}
	if !strings.Contains(mail.subject, "15.00") {
		t.Errorf("subject %q does not mention the amount", mail.subject)
	}
	if !strings.Contains(mail.body, "msg_1") {
		t.Errorf("body %q does not mention the message", mail.body)
	}

	logged, err := store.Get(context.Background(), delivery.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if logged.Status != StatusSent {
		t.Errorf("status = %q, want %q", logged.Status, StatusSent)
	}
	if logged.ProviderMessageID != "pm_123" {
		t.Errorf("providerMessageID = %q", logged.ProviderMessageID)
	}
	if logged.SentAt == nil {
		t.Error("sentAt not recorded")
	}
}

func TestDispatcherRecordsFailure(t *testing.T) {
	store := NewMemoryLogStore()
	emailer := &stubEmailer{err: retry.Permanent(errors.New("550 rejected"))}
	d := NewDispatcher(store, emailer, testLogger())

	d.Enqueue(context.Background(), releasedOutcome())
	delivery := drain(t, d)

	logged, err := store.Get(context.Background(), delivery.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if logged.Status != StatusFailed {
		t.Errorf("status = %q, want %q", logged.Status, StatusFailed)
	}
	if !strings.Contains(logged.Error, "550 rejected") {
		t.Errorf("error = %q", logged.Error)
	}
}

func TestDeliveredReportsPriorReminder(t *testing.T) {
	store := NewMemoryLogStore()
	d := NewDispatcher(store, &stubEmailer{}, testLogger())
	ctx := context.Background()

	sent, err := d.Delivered(ctx, "msg_1", OutcomeReminder)
	if err != nil || sent {
		t.Fatalf("Delivered before enqueue = (%v, %v)", sent, err)
	}

	reminder := releasedOutcome()
	reminder.Type = OutcomeReminder
	d.Enqueue(ctx, reminder)

	// Delivered depends on the recorded delivery, not on the send having
	// completed, so a crash between enqueue and send cannot double-remind.
	sent, err = d.Delivered(ctx, "msg_1", OutcomeReminder)
	if err != nil {
		t.Fatalf("Delivered: %v", err)
	}
	if !sent {
		t.Error("reminder not reported as delivered")
	}

	sent, err = d.Delivered(ctx, "msg_1", OutcomeRefunded)
	if err != nil || sent {
		t.Errorf("Delivered for other type = (%v, %v)", sent, err)
	}
}

func TestRenderOutcomes(t *testing.T) {
	o := releasedOutcome()

	subject, body := render(o)
	if !strings.Contains(subject, "15.00") || !strings.Contains(body, "transferred") {
		t.Errorf("released render = (%q, %q)", subject, body)
	}

	o.Type = OutcomeRefunded
	subject, _ = render(o)
	if !strings.Contains(subject, "refunded") {
		t.Errorf("refunded subject = %q", subject)
	}

	o.Type = OutcomeResponseForward
	o.Subject = "Re: hello"
	o.Body = "thanks for reaching out"
	subject, body = render(o)
	if subject != "Re: hello" || body != "thanks for reaching out" {
		t.Errorf("forward render = (%q, %q)", subject, body)
	}
}

func TestLogEmailerReturnsSyntheticID(t *testing.T) {
	e := &LogEmailer{Logger: testLogger()}

	id, err := e.Send(context.Background(), "alice@example.com", "subject", "body")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(id, "dev-") {
		t.Errorf("id = %q, want dev- prefix", id)
	}
}

func TestDeliveredIgnoresFailedAttempts(t *testing.T) {
	store := NewMemoryLogStore()
	emailer := &stubEmailer{err: retry.Permanent(errors.New("550 rejected"))}
	d := NewDispatcher(store, emailer, testLogger())
	ctx := context.Background()

	reminder := releasedOutcome()
	reminder.Type = OutcomeReminder
	d.Enqueue(ctx, reminder)
	drain(t, d)

	// A failed attempt does not use up the message's one reminder; the
	// next sweep retries it.
	sent, err := d.Delivered(ctx, "msg_1", OutcomeReminder)
	if err != nil {
		t.Fatalf("Delivered: %v", err)
	}
	if sent {
		t.Error("failed reminder reported as delivered")
	}

	emailer.err = nil
	d.Enqueue(ctx, reminder)
	drain(t, d)

	sent, err = d.Delivered(ctx, "msg_1", OutcomeReminder)
	if err != nil {
		t.Fatalf("Delivered: %v", err)
	}
	if !sent {
		t.Error("sent reminder not reported as delivered")
	}
}
