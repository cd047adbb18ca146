package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

var ErrNoProviderRef = errors.New("refund has no provider payment reference")

type RefundRequest struct {
	// IdempotencyKey makes resubmission of the same obligation safe.
	IdempotencyKey string
	ProviderRef    string
	Amount         int64
	Currency       string
	Reason         string
}

type RefundResult struct {
	ProviderRefundID string
	Status           string
}

// Refunder moves money back to the customer through the payment provider.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// StripeRefunder issues refunds with the Stripe API.
type StripeRefunder struct {
	sc *client.API
}

func NewStripeRefunder(secretKey string) *StripeRefunder {
	return &StripeRefunder{sc: client.New(secretKey, nil)}
}

func (r *StripeRefunder) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.ProviderRef == "" {
		return nil, ErrNoProviderRef
	}

	refund, err := r.sc.Refunds.New(refundParams(ctx, req))
	if err != nil {
		return nil, fmt.Errorf("stripe refund: %w", err)
	}
	return &RefundResult{ProviderRefundID: refund.ID, Status: string(refund.Status)}, nil
}

func refundParams(ctx context.Context, req RefundRequest) *stripe.RefundParams {
	params := &stripe.RefundParams{
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	// no amount refunds the full capture
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	// charges and payment intents share the refund endpoint
	if strings.HasPrefix(req.ProviderRef, "ch_") {
		params.Charge = stripe.String(req.ProviderRef)
	} else {
		params.PaymentIntent = stripe.String(req.ProviderRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("refund_obligation_id", req.IdempotencyKey)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	return params
}
