package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefundParamsTargetsChargeOrIntent(t *testing.T) {
	ctx := context.Background()

	charge := refundParams(ctx, RefundRequest{IdempotencyKey: "ro-1", ProviderRef: "ch_3Nabc", Amount: 4500})
	require.NotNil(t, charge.Charge)
	assert.Equal(t, "ch_3Nabc", *charge.Charge)
	assert.Nil(t, charge.PaymentIntent)
	assert.Equal(t, int64(4500), *charge.Amount)

	intent := refundParams(ctx, RefundRequest{IdempotencyKey: "ro-2", ProviderRef: "pi_3Nxyz", Reason: "booking_cancelled"})
	require.NotNil(t, intent.PaymentIntent)
	assert.Equal(t, "pi_3Nxyz", *intent.PaymentIntent)
	assert.Nil(t, intent.Charge)
	assert.Nil(t, intent.Amount)
	assert.Equal(t, "booking_cancelled", intent.Metadata["reason"])
}

func TestRefundParamsCarryIdempotencyKey(t *testing.T) {
	params := refundParams(context.Background(), RefundRequest{IdempotencyKey: "ro-7", ProviderRef: "pi_1"})

	require.NotNil(t, params.IdempotencyKey)
	assert.Equal(t, "ro-7", *params.IdempotencyKey)
	assert.Equal(t, "ro-7", params.Metadata["refund_obligation_id"])
	assert.NotNil(t, params.Context)
}

func TestStripeRefunderNeedsProviderRef(t *testing.T) {
	_, err := NewStripeRefunder("sk_test_unused").Refund(context.Background(), RefundRequest{IdempotencyKey: "ro-9"})
	assert.ErrorIs(t, err, ErrNoProviderRef)
}
