package payments

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/reservation-engine/internal/booking"
)

type fakeRefunder struct {
	requests []RefundRequest
	err      error
}

func (f *fakeRefunder) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &RefundResult{ProviderRefundID: "re_" + req.IdempotencyKey[:8], Status: "pending"}, nil
}

func newStore(t *testing.T) *booking.BoltRepository {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "refunds.db"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := booking.NewBoltRepository(db)
	require.NoError(t, err)
	return repo
}

func seedObligation(t *testing.T, repo *booking.BoltRepository) *booking.RefundObligation {
	t.Helper()
	ro := &booking.RefundObligation{
		BookingID:   uuid.New(),
		PaymentID:   uuid.New(),
		ProviderRef: "pi_123",
		Amount:      4500,
		Currency:    "EUR",
		Status:      booking.RefundPending,
	}
	require.NoError(t, repo.CreateRefundObligation(context.Background(), ro))
	return ro
}

func TestDispatcherSubmitsPending(t *testing.T) {
	repo := newStore(t)
	ctx := context.Background()
	ro := seedObligation(t, repo)

	refunder := &fakeRefunder{}
	d := NewDispatcher(repo, refunder, 10, nil, nil)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, refunder.requests, 1)
	assert.Equal(t, ro.ID.String(), refunder.requests[0].IdempotencyKey)
	assert.Equal(t, "pi_123", refunder.requests[0].ProviderRef)
	assert.Equal(t, int64(4500), refunder.requests[0].Amount)

	got, err := repo.GetRefundObligationByBooking(ctx, ro.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.RefundSubmitted, got.Status)
	require.NotNil(t, got.ProviderRefundID)
	assert.Equal(t, "re_"+ro.ID.String()[:8], *got.ProviderRefundID)

	n, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, refunder.requests, 1, "submitted obligations are not resent")
}

func TestDispatcherKeepsPendingOnProviderError(t *testing.T) {
	repo := newStore(t)
	ctx := context.Background()
	ro := seedObligation(t, repo)

	d := NewDispatcher(repo, &fakeRefunder{err: errors.New("card_declined")}, 10, nil, nil)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.GetRefundObligationByBooking(ctx, ro.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.RefundPending, got.Status)
}

func TestStripeRefunderRequiresReference(t *testing.T) {
	_, err := NewStripeRefunder("sk_test_dummy").Refund(context.Background(), RefundRequest{IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrNoProviderRef)
}
