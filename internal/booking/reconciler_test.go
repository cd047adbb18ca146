package booking

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captured(orderID, paymentID string) ProviderEvent {
	return ProviderEvent{OrderID: orderID, PaymentID: paymentID, Status: "captured", Amount: 4500, Currency: "eur"}
}

func TestApplyPaidIsIdempotent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, b.ID, "order_A")
	require.NoError(t, err)

	first, err := e.rec.Apply(ctx, captured("order_A", "pay_1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, PaymentPaid, first.Payment.Status)
	assert.Equal(t, "EUR", first.Payment.Currency)
	require.NotNil(t, first.Booking)
	assert.Equal(t, PaymentPaid, first.Booking.PaymentStatus)
	assert.Equal(t, StatusPending, first.Booking.Status, "paid does not confirm")

	second, err := e.rec.Apply(ctx, captured("order_A", "pay_1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.Booking.PaymentStatus, second.Booking.PaymentStatus)

	payments, err := e.bookings.Payments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1, "the initiated attempt is adopted, not duplicated")
	assert.Equal(t, "pay_1", payments[0].ProviderPaymentID)
}

func TestApplyConcurrentDuplicates(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, b.ID, "order_C")
	require.NoError(t, err)

	const deliveries = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		applied    int
		duplicates int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.rec.Apply(ctx, captured("order_C", "pay_C"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if out.Duplicate {
				duplicates++
			} else {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, deliveries-1, duplicates)

	payments, err := e.bookings.Payments(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestApplyFailedKeepsPaidBooking(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, b.ID, "order_F")
	require.NoError(t, err)

	_, err = e.rec.Apply(ctx, captured("order_F", "pay_ok"))
	require.NoError(t, err)

	out, err := e.rec.Apply(ctx, ProviderEvent{OrderID: "order_F", PaymentID: "pay_retry", Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, out.Payment.Status)
	require.NotNil(t, out.Booking)
	assert.Equal(t, PaymentPaid, out.Booking.PaymentStatus)
}

func TestApplyFailedThenRetrySucceeds(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, b.ID, "order_R")
	require.NoError(t, err)

	out, err := e.rec.Apply(ctx, ProviderEvent{OrderID: "order_R", PaymentID: "pay_1", Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, out.Booking.PaymentStatus)
	assert.Contains(t, outboxTypes(t, e.repo), EventPaymentFailed)

	out, err = e.rec.Apply(ctx, captured("order_R", "pay_2"))
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, out.Booking.PaymentStatus)

	// the failed pair keeps reporting how it settled
	out, err = e.rec.Apply(ctx, captured("order_R", "pay_1"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, PaymentFailed, out.Payment.Status)
	assert.Equal(t, PaymentPaid, out.Booking.PaymentStatus)
}

func TestApplyRefundRequiresPaid(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, b.ID, "order_X")
	require.NoError(t, err)

	_, err = e.rec.Apply(ctx, ProviderEvent{OrderID: "order_X", PaymentID: "pay_X", Status: "refunded"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, got.PaymentStatus)
}

func TestApplyMonotonic(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, b.ID, "order_M")
	require.NoError(t, err)

	_, err = e.rec.Apply(ctx, captured("order_M", "pay_M"))
	require.NoError(t, err)

	out, err := e.rec.Apply(ctx, ProviderEvent{OrderID: "order_M", PaymentID: "pay_M", Status: "failed"})
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, PaymentPaid, out.Payment.Status)

	_, err = e.rec.Apply(ctx, ProviderEvent{OrderID: "order_M", PaymentID: "pay_M", Status: "refunded"})
	require.NoError(t, err)

	for _, status := range []string{"captured", "paid", "failed"} {
		_, err = e.rec.Apply(ctx, ProviderEvent{OrderID: "order_M", PaymentID: "pay_M", Status: status})
		assert.ErrorIs(t, err, ErrStaleEvent, status)
	}

	got, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, got.PaymentStatus)
}

func TestApplySettledPairReturnsPriorOutcome(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 2)

	paid := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, paid.ID, "order_S1")
	require.NoError(t, err)
	_, err = e.rec.Apply(ctx, captured("order_S1", "pay_S1"))
	require.NoError(t, err)

	out, err := e.rec.Apply(ctx, ProviderEvent{OrderID: "order_S1", PaymentID: "pay_S1", Status: "failed"})
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, PaymentPaid, out.Payment.Status)
	assert.Equal(t, PaymentPaid, out.Booking.PaymentStatus)
	assert.NotContains(t, outboxTypes(t, e.repo), EventPaymentFailed)

	failed := e.book(t, c.slots[1])
	_, err = e.bookings.InitiatePayment(ctx, failed.ID, "order_S2")
	require.NoError(t, err)
	_, err = e.rec.Apply(ctx, ProviderEvent{OrderID: "order_S2", PaymentID: "pay_S2", Status: "failed"})
	require.NoError(t, err)

	for _, status := range []string{"captured", "refunded"} {
		out, err = e.rec.Apply(ctx, ProviderEvent{OrderID: "order_S2", PaymentID: "pay_S2", Status: status})
		require.NoError(t, err, status)
		assert.True(t, out.Duplicate, status)
		assert.Equal(t, PaymentFailed, out.Payment.Status, status)
		assert.Equal(t, PaymentFailed, out.Booking.PaymentStatus, status)
	}
}

func TestCaptureBeforeInitiateReachesBooking(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])

	first, err := e.rec.Apply(ctx, captured("order_P", "pay_P"))
	require.NoError(t, err)
	assert.Nil(t, first.Booking)

	attempt, err := e.bookings.InitiatePayment(ctx, b.ID, "order_P")
	require.NoError(t, err)
	assert.Equal(t, first.Payment.ID, attempt.ID, "the captured payment is adopted, not duplicated")
	assert.Equal(t, PaymentPaid, attempt.Status)
	require.NotNil(t, attempt.BookingID)
	assert.Equal(t, b.ID, *attempt.BookingID)

	got, err := e.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, got.PaymentStatus)

	payments, err := e.bookings.Payments(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	again, err := e.rec.Apply(ctx, captured("order_P", "pay_P"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, PaymentPaid, again.Booking.PaymentStatus)

	_, err = e.bookings.Confirm(ctx, b.ID)
	require.NoError(t, err)
}

func TestRedeliveryLinksOrphanPayment(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])

	_, err := e.rec.Apply(ctx, captured("order_L", "pay_L"))
	require.NoError(t, err)

	// intent set without going through InitiatePayment, e.g. by an older client
	require.NoError(t, e.repo.SetBookingPaymentIntent(ctx, b.ID, "order_L"))

	out, err := e.rec.Apply(ctx, captured("order_L", "pay_L"))
	require.NoError(t, err)
	assert.False(t, out.Duplicate, "linking changes booking state")
	require.NotNil(t, out.Payment.BookingID)
	assert.Equal(t, b.ID, *out.Payment.BookingID)
	assert.Equal(t, PaymentPaid, out.Booking.PaymentStatus)

	out, err = e.rec.Apply(ctx, captured("order_L", "pay_L"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestCaptureBeforeInitiateOnExpiredBookingIsRefunded(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])

	_, err := e.rec.Apply(ctx, captured("order_E", "pay_E"))
	require.NoError(t, err)
	require.NoError(t, e.repo.SetBookingPaymentIntent(ctx, b.ID, "order_E"))
	_, err = e.bookings.Cancel(ctx, b.ID, ReasonPaymentTimeout)
	require.NoError(t, err)

	out, err := e.rec.Apply(ctx, captured("order_E", "pay_E"))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Booking.Status)
	assert.Equal(t, PaymentPaid, out.Booking.PaymentStatus)

	ro, err := e.repo.GetRefundObligationByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, RefundPending, ro.Status)
}

func TestApplyWithoutBooking(t *testing.T) {
	e := newEngine(t)

	out, err := e.rec.Apply(context.Background(), captured("order_unknown", "pay_unknown"))
	require.NoError(t, err)
	assert.Nil(t, out.Booking)
	assert.Nil(t, out.Payment.BookingID)
	assert.Equal(t, PaymentPaid, out.Payment.Status)
}

func TestApplyRejectsMalformedEvents(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for name, ev := range map[string]ProviderEvent{
		"missing order":  {PaymentID: "p", Status: "paid"},
		"missing status": {OrderID: "o", PaymentID: "p"},
		"unknown status": {OrderID: "o", PaymentID: "p", Status: "authorized"},
		"bad currency":   {OrderID: "o", PaymentID: "p", Status: "paid", Currency: "euro"},
	} {
		_, err := e.rec.Apply(ctx, ev)
		assert.ErrorIs(t, err, ErrInvalidEvent, name)
	}
}

func TestPaidAfterCancelRecordsRefund(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	_, err := e.bookings.InitiatePayment(ctx, b.ID, "order_L")
	require.NoError(t, err)

	_, err = e.bookings.Cancel(ctx, b.ID, "")
	require.NoError(t, err)

	out, err := e.rec.Apply(ctx, captured("order_L", "pay_L"))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Booking.Status)
	assert.Equal(t, PaymentPaid, out.Booking.PaymentStatus)

	ro, err := e.repo.GetRefundObligationByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Payment.ID, ro.PaymentID)
	assert.Equal(t, "pay_L", ro.ProviderRef)
}
