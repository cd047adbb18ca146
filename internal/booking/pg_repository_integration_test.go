//go:build integration

package booking

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/reservation-engine/internal/db"
)

// newPgEngine runs the engine on the database named by POSTGRES_TEST_DSN.
// Every table is emptied first, so point it at a throwaway database.
func newPgEngine(t *testing.T) *engine {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()

	pool, err := db.ConnectPostgres(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `
		TRUNCATE outbox_events, refund_obligations, invoices, payments,
			bookings, time_slots, availabilities, services CASCADE
	`)
	require.NoError(t, err)

	return newEngineOn(t, NewPgRepository(pool))
}

func TestPgClaimIsExclusive(t *testing.T) {
	e := newPgEngine(t)
	c := seedDay(t, e.repo, 1)

	const callers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.alloc.Claim(context.Background(), c.slots[0].ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrSlotUnavailable):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, losers)
}

func TestPgBookingLifecycle(t *testing.T) {
	e := newPgEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)

	b := e.book(t, c.slots[0])
	out := e.pay(t, b)
	assert.Equal(t, PaymentPaid, out.Booking.PaymentStatus)

	confirmed, err := e.bookings.Confirm(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, confirmed.InvoiceID)

	again, err := e.bookings.Confirm(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, *confirmed.InvoiceID, *again.InvoiceID)

	inv, err := e.repo.GetInvoiceByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, *confirmed.InvoiceID, inv.ID)
	assert.Equal(t, b.TotalAmount, inv.Amount)

	cancelled, err := e.bookings.Cancel(ctx, b.ID, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	slot, err := e.repo.GetSlotByID(ctx, c.slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status)
	assert.Nil(t, slot.BookingID)

	ro, err := e.repo.GetRefundObligationByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, RefundPending, ro.Status)
	assert.Equal(t, out.Payment.ID, ro.PaymentID)

	// the freed slot can carry a new live booking
	next := e.book(t, c.slots[0])
	assertSlotOwnership(t, e.repo, c, []*Booking{b, next})
}

func TestPgConcurrentDuplicateCaptures(t *testing.T) {
	e := newPgEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, b.ID, "order_PG")
	require.NoError(t, err)

	const deliveries = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.rec.Apply(ctx, captured("order_PG", "pay_PG"))
			if !assert.NoError(t, err) {
				return
			}
			if !out.Duplicate {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)

	payments, err := e.bookings.Payments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "pay_PG", payments[0].ProviderPaymentID)
}

func TestPgCaptureBeforeInitiateReachesBooking(t *testing.T) {
	e := newPgEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])

	first, err := e.rec.Apply(ctx, captured("order_PE", "pay_PE"))
	require.NoError(t, err)
	assert.Nil(t, first.Payment.BookingID)

	attempt, err := e.bookings.InitiatePayment(ctx, b.ID, "order_PE")
	require.NoError(t, err)
	assert.Equal(t, first.Payment.ID, attempt.ID)

	got, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "order_PE", *got.PaymentIntentID)

	out, err := e.rec.Apply(ctx, captured("order_PE", "pay_PE"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}
