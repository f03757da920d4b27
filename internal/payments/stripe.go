package payments

import (
	"context"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/replygate/replygate/internal/escrow"
)

// StripeProvider moves money through Stripe Connect. Transfers carry the
// escrow transaction id in metadata so asynchronous failure events
// (transfer.reversed, payout.failed) can be traced back to a transaction.
type StripeProvider struct {
	api *client.API
}

func NewStripeProvider(secretKey string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api}
}

func (p *StripeProvider) Transfer(ctx context.Context, txn *escrow.Transaction, amountCents int64, idempotencyKey string) (string, error) {
	params := &stripe.TransferParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"transaction_id": txn.ID,
				"message_id":     txn.MessageID,
			},
		},
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(txn.Currency),
		Destination: stripe.String(txn.PayoutAccountID),
	}
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := p.api.Transfers.New(params)
	if err != nil {
		return "", err
	}
	return tr.ID, nil
}

func (p *StripeProvider) Refund(ctx context.Context, txn *escrow.Transaction, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"transaction_id": txn.ID,
				"message_id":     txn.MessageID,
			},
		},
		PaymentIntent: stripe.String(txn.PaymentIntentID),
	}
	params.SetIdempotencyKey(idempotencyKey)

	re, err := p.api.Refunds.New(params)
	if err != nil {
		return "", err
	}
	return re.ID, nil
}

var _ escrow.PaymentProvider = (*StripeProvider)(nil)
