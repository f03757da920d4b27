package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/replygate/replygate/internal/escrow"
	"github.com/replygate/replygate/internal/idgen"
	"github.com/replygate/replygate/internal/notify"
	"github.com/replygate/replygate/internal/response"
)

type stubProvider struct {
	mu        sync.Mutex
	transfers int
}

func (s *stubProvider) Transfer(_ context.Context, _ *escrow.Transaction, _ int64, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers++
	return fmt.Sprintf("tr_%d", s.transfers), nil
}

func (s *stubProvider) Refund(_ context.Context, _ *escrow.Transaction, _ string) (string, error) {
	return "re_1", nil
}

type nopNotifier struct{}

func (nopNotifier) Enqueue(_ context.Context, _ notify.Outcome) {}

type fixture struct {
	reconciler *Reconciler
	engine     *escrow.Engine
	tracking   *response.MemoryTrackingStore
	provider   *stubProvider
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := escrow.NewMemoryStore()
	f := &fixture{
		tracking: response.NewMemoryTrackingStore(),
		provider: &stubProvider{},
		now:      time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	f.engine = escrow.NewEngine(store, store, f.provider, nopNotifier{}, escrow.EngineConfig{
		ResponseDeadline:      48 * time.Hour,
		GracePeriod:           15 * time.Minute,
		RecipientSharePercent: 75,
		Currency:              "usd",
	}, logger).WithClock(func() time.Time { return f.now })
	f.reconciler = New(f.tracking, f.engine, 5*time.Minute, logger).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) createEscrow(t *testing.T, messageID string) *escrow.Transaction {
	t.Helper()
	txn, err := f.engine.Create(context.Background(), escrow.CreateRequest{
		MessageID:       messageID,
		Amount:          "20.00",
		SenderEmail:     "sender@example.com",
		RecipientUserID: "user_abc",
		RecipientEmail:  "expert@example.com",
		PaymentIntentID: "pi_" + messageID,
		PayoutAccountID: "acct_abc",
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return txn
}

// orphanTracking simulates a detector crash after the tracking insert.
func (f *fixture) orphanTracking(t *testing.T, messageID string, age time.Duration) *response.Tracking {
	t.Helper()
	tr := &response.Tracking{
		ID:             idgen.WithPrefix("trk_"),
		InboundEmailID: "in_" + messageID,
		MessageID:      messageID,
		FromEmail:      "expert@example.com",
		WithinDeadline: true,
		ReceivedAt:     f.now.Add(-age),
	}
	if _, err := f.tracking.Insert(context.Background(), tr); err != nil {
		t.Fatalf("insert tracking: %v", err)
	}
	return tr
}

func TestReconcileReplaysOrphanedRelease(t *testing.T) {
	f := newFixture(t)
	f.createEscrow(t, "msg_orphan")
	tr := f.orphanTracking(t, "msg_orphan", 10*time.Minute)

	stats, err := f.reconciler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Replayed != 1 {
		t.Errorf("replayed = %d, want 1", stats.Replayed)
	}
	if f.provider.transfers != 1 {
		t.Errorf("transfers = %d, want 1", f.provider.transfers)
	}
	txn, _ := f.engine.GetByMessageID(context.Background(), "msg_orphan")
	if txn.Status != escrow.StatusReleased {
		t.Errorf("status = %s, want released", txn.Status)
	}
	settled, _ := f.tracking.Get(context.Background(), tr.ID)
	if !settled.Settled || settled.Disposition != response.DispositionReleased {
		t.Errorf("tracking = %+v, want settled released", settled)
	}
}

func TestReconcileClosesAlreadyReleasedRow(t *testing.T) {
	f := newFixture(t)
	f.createEscrow(t, "msg_done")
	tr := f.orphanTracking(t, "msg_done", 10*time.Minute)

	// The detector's proposal landed; only MarkSettled was lost.
	if _, err := f.engine.Release(context.Background(), "msg_done", escrow.CauseResponse, time.Time{}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	stats, err := f.reconciler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Replayed != 0 || stats.Closed != 1 {
		t.Errorf("stats = %+v, want closed=1 replayed=0", stats)
	}
	if f.provider.transfers != 1 {
		t.Errorf("transfers = %d, want exactly 1", f.provider.transfers)
	}
	settled, _ := f.tracking.Get(context.Background(), tr.ID)
	if settled.Disposition != response.DispositionReleased {
		t.Errorf("disposition = %s, want released", settled.Disposition)
	}
}

func TestReconcileMarksConflictAfterRefund(t *testing.T) {
	f := newFixture(t)
	f.createEscrow(t, "msg_refunded")
	tr := f.orphanTracking(t, "msg_refunded", 10*time.Minute)

	if _, err := f.engine.Refund(context.Background(), "msg_refunded", escrow.CauseDeadline); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	stats, err := f.reconciler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Closed != 1 {
		t.Errorf("closed = %d, want 1", stats.Closed)
	}
	settled, _ := f.tracking.Get(context.Background(), tr.ID)
	if settled.Disposition != response.DispositionConflict {
		t.Errorf("disposition = %s, want conflict", settled.Disposition)
	}
}

func TestReconcileSkipsFreshRows(t *testing.T) {
	f := newFixture(t)
	f.createEscrow(t, "msg_fresh")
	f.orphanTracking(t, "msg_fresh", time.Minute) // younger than minAge

	stats, err := f.reconciler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Examined != 0 {
		t.Errorf("examined = %d, want 0", stats.Examined)
	}
	if f.provider.transfers != 0 {
		t.Errorf("transfers = %d, want 0", f.provider.transfers)
	}
}

func TestReconcileClosesUnknownMessage(t *testing.T) {
	f := newFixture(t)
	tr := f.orphanTracking(t, "msg_ghost", 10*time.Minute)

	stats, err := f.reconciler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Closed != 1 {
		t.Errorf("closed = %d, want 1", stats.Closed)
	}
	settled, _ := f.tracking.Get(context.Background(), tr.ID)
	if settled.Disposition != response.DispositionNotApplicable {
		t.Errorf("disposition = %s, want not_applicable", settled.Disposition)
	}
}

func TestReconcileWaitsForPayoutSetup(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Create(context.Background(), escrow.CreateRequest{
		MessageID:       "msg_wait",
		Amount:          "20.00",
		SenderEmail:     "sender@example.com",
		RecipientUserID: "user_new",
		RecipientEmail:  "expert@example.com",
		PaymentIntentID: "pi_msg_wait",
	}); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	tr := f.orphanTracking(t, "msg_wait", 10*time.Minute)

	// Recipient is still onboarding: the row must stay open, not close as
	// a conflict.
	stats, err := f.reconciler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Examined != 1 || stats.Replayed != 0 || stats.Closed != 0 {
		t.Errorf("stats = %+v, want examined=1 only", stats)
	}
	open, _ := f.tracking.Get(context.Background(), tr.ID)
	if open.Settled {
		t.Fatal("tracking row closed while escrow awaits payout setup")
	}
	if f.provider.transfers != 0 {
		t.Errorf("transfers = %d, want 0", f.provider.transfers)
	}

	// The deferred release recorded the response, so activation replays it.
	if _, err := f.engine.ActivateRecipient(context.Background(), "user_new", "acct_new"); err != nil {
		t.Fatalf("ActivateRecipient: %v", err)
	}
	txn, _ := f.engine.GetByMessageID(context.Background(), "msg_wait")
	if txn.Status != escrow.StatusReleased {
		t.Fatalf("status = %s, want released after activation", txn.Status)
	}
	if f.provider.transfers != 1 {
		t.Errorf("transfers = %d, want 1", f.provider.transfers)
	}

	// Next pass closes the row against the now-terminal escrow.
	stats, err = f.reconciler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Closed != 1 {
		t.Errorf("stats = %+v, want closed=1", stats)
	}
	closed, _ := f.tracking.Get(context.Background(), tr.ID)
	if !closed.Settled || closed.Disposition != response.DispositionReleased {
		t.Errorf("tracking = %+v, want settled released", closed)
	}
}
