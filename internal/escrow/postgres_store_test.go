package escrow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/replygate/replygate/internal/escrow"
	"github.com/replygate/replygate/internal/idgen"
	"github.com/replygate/replygate/internal/testutil"
)

func seedTransaction(messageID string) *escrow.Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &escrow.Transaction{
		ID:                    idgen.WithPrefix("txn_"),
		MessageID:             messageID,
		AmountCents:           2000,
		Currency:              "usd",
		SenderEmail:           "sender@example.com",
		RecipientUserID:       "user_pg",
		RecipientEmail:        "expert@example.com",
		RecipientSharePercent: 75,
		Status:                escrow.StatusHeld,
		PaymentIntentID:       "pi_" + messageID,
		PayoutAccountID:       "acct_pg",
		CreatedAt:             now,
		ExpiresAt:             now.Add(48 * time.Hour),
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	txn := seedTransaction("msg_pg_rt")
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, seedTransaction("msg_pg_rt")); !errors.Is(err, escrow.ErrMessageExists) {
		t.Errorf("duplicate create: err = %v, want ErrMessageExists", err)
	}

	got, err := store.GetByMessageID(ctx, "msg_pg_rt")
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if got.ID != txn.ID || got.Status != escrow.StatusHeld || got.AmountCents != 2000 {
		t.Errorf("got %+v, want created transaction", got)
	}

	byIntent, err := store.GetByPaymentIntent(ctx, "pi_msg_pg_rt")
	if err != nil || byIntent.ID != txn.ID {
		t.Errorf("GetByPaymentIntent = %v, %v", byIntent, err)
	}
}

func TestPostgresStoreTransitionIsConditional(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	txn := seedTransaction("msg_pg_cas")
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	claimed, err := store.Transition(ctx, txn.ID, escrow.StatusHeld, escrow.StatusReleased, &now, "")
	if err != nil || !claimed {
		t.Fatalf("first transition: claimed=%v err=%v", claimed, err)
	}

	// The row left held; every later claim from held must lose.
	claimed, err = store.Transition(ctx, txn.ID, escrow.StatusHeld, escrow.StatusRefunded, &now, "")
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if claimed {
		t.Error("second transition claimed the row, want compare-and-set failure")
	}

	got, _ := store.Get(ctx, txn.ID)
	if got.Status != escrow.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("resolvedAt not set")
	}
}

func TestPostgresStoreRefundableList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	expired := seedTransaction("msg_pg_expired")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	live := seedTransaction("msg_pg_live")
	answered := seedTransaction("msg_pg_answered")
	answered.ExpiresAt = time.Now().UTC().Add(-time.Hour)

	for _, txn := range []*escrow.Transaction{expired, live, answered} {
		if err := store.Create(ctx, txn); err != nil {
			t.Fatalf("Create %s: %v", txn.MessageID, err)
		}
	}
	if err := store.MarkResponded(ctx, "msg_pg_answered", time.Now().UTC()); err != nil {
		t.Fatalf("MarkResponded: %v", err)
	}

	refundable, err := store.ListRefundable(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListRefundable: %v", err)
	}
	if len(refundable) != 1 || refundable[0].MessageID != "msg_pg_expired" {
		t.Errorf("refundable = %v, want only msg_pg_expired", refundable)
	}
}

func TestPostgresStoreResponseWriteOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	first := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.MarkResponded(ctx, "msg_pg_once", first); err != nil {
		t.Fatalf("MarkResponded: %v", err)
	}
	if err := store.MarkResponded(ctx, "msg_pg_once", first.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkResponded: %v", err)
	}

	var recordedAt time.Time
	err := db.QueryRowContext(ctx,
		`SELECT response_received_at FROM message_responses WHERE message_id = $1`, "msg_pg_once").
		Scan(&recordedAt)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !recordedAt.Equal(first) {
		t.Errorf("recordedAt = %v, want first timestamp %v", recordedAt, first)
	}
}
