package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/replygate/replygate/internal/escrow"
	"github.com/replygate/replygate/internal/logging"
	"github.com/replygate/replygate/internal/metrics"
)

// Stripe recommends capping webhook bodies well below this.
const maxWebhookBody = 1 << 16

// Settler is the slice of the escrow engine webhook processing needs.
type Settler interface {
	MarkPaymentFailed(ctx context.Context, paymentIntentID, reason string) (*escrow.Transaction, error)
	MarkTransferFailed(ctx context.Context, transactionID, reason string) (*escrow.Transaction, error)
	ActivateRecipient(ctx context.Context, recipientUserID, payoutAccountID string) (int, error)
}

// WebhookHandler receives Stripe events.
type WebhookHandler struct {
	events        EventStore
	settler       Settler
	signingSecret string
}

func NewWebhookHandler(events EventStore, settler Settler, signingSecret string) *WebhookHandler {
	return &WebhookHandler{events: events, settler: settler, signingSecret: signingSecret}
}

// RegisterRoutes sets up the Stripe webhook route.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stripe", h.Receive)
}

// Receive handles POST /webhooks/stripe.
//
// Always 200: Stripe retries non-2xx responses, and an event we cannot
// verify or apply will not become applicable later. The body reports
// whether the event had an effect. Idempotency comes from inserting the
// event id into the processed-events ledger before any side effect.
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"processed": false, "result": "unreadable_body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.signingSecret)
	if err != nil {
		metrics.PaymentWebhooksTotal.WithLabelValues("signature_failed").Inc()
		logging.L(c.Request.Context()).Warn("stripe webhook signature verification failed", "error", err)
		c.JSON(http.StatusOK, gin.H{"processed": false, "result": "signature_failed"})
		return
	}

	ctx := c.Request.Context()
	inserted, err := h.events.Insert(ctx, &WebhookEvent{
		ID:          event.ID,
		Type:        string(event.Type),
		ProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		// Could not record the event; let Stripe redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{"processed": false, "result": "store_error"})
		return
	}
	if !inserted {
		metrics.PaymentWebhooksTotal.WithLabelValues(ResultDuplicate).Inc()
		c.JSON(http.StatusOK, gin.H{"processed": false, "result": ResultDuplicate})
		return
	}

	result := h.apply(c, event)
	if err := h.events.SetResult(ctx, event.ID, result); err != nil {
		logging.L(ctx).Error("failed to record webhook result", "event_id", event.ID, "error", err)
	}
	metrics.PaymentWebhooksTotal.WithLabelValues(result).Inc()
	c.JSON(http.StatusOK, gin.H{"processed": result == ResultApplied, "result": result})
}

func (h *WebhookHandler) apply(c *gin.Context, event stripe.Event) string {
	ctx := c.Request.Context()

	switch event.Type {
	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return ResultError
		}
		reason := "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		_, err := h.settler.MarkPaymentFailed(ctx, pi.ID, reason)
		return classify(ctx, event.ID, err)

	case "transfer.reversed":
		var tr stripe.Transfer
		if err := json.Unmarshal(event.Data.Raw, &tr); err != nil {
			return ResultError
		}
		txnID := tr.Metadata["transaction_id"]
		if txnID == "" {
			return ResultIgnored
		}
		_, err := h.settler.MarkTransferFailed(ctx, txnID, "transfer "+tr.ID+" reversed")
		return classify(ctx, event.ID, err)

	case "payout.failed":
		var po stripe.Payout
		if err := json.Unmarshal(event.Data.Raw, &po); err != nil {
			return ResultError
		}
		txnID := po.Metadata["transaction_id"]
		if txnID == "" {
			// Automatic payouts carry no transaction link; surfaced via
			// the transfer.reversed path instead.
			return ResultIgnored
		}
		reason := "payout " + po.ID + " failed"
		if po.FailureMessage != "" {
			reason = po.FailureMessage
		}
		_, err := h.settler.MarkTransferFailed(ctx, txnID, reason)
		return classify(ctx, event.ID, err)

	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
			return ResultError
		}
		userID := acct.Metadata["user_id"]
		if userID == "" || !acct.PayoutsEnabled {
			return ResultIgnored
		}
		activated, err := h.settler.ActivateRecipient(ctx, userID, acct.ID)
		if err != nil {
			logging.L(ctx).Error("recipient activation failed",
				"event_id", event.ID, "user_id", userID, "error", err)
			return ResultError
		}
		if activated == 0 {
			return ResultIgnored
		}
		return ResultApplied

	default:
		return ResultIgnored
	}
}

// classify maps settlement outcomes to an event result. A transaction the
// event no longer applies to is not an error: the ledger row still records
// that the event was seen.
func classify(ctx context.Context, eventID string, err error) string {
	switch {
	case err == nil:
		return ResultApplied
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, escrow.ErrConflict):
		return ResultIgnored
	default:
		logging.L(ctx).Error("webhook event application failed", "event_id", eventID, "error", err)
		return ResultError
	}
}
