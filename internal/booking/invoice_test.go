package booking

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmedBooking(t *testing.T, e *engine) *Booking {
	t.Helper()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	e.pay(t, b)
	confirmed, err := e.bookings.Confirm(context.Background(), b.ID)
	require.NoError(t, err)
	return confirmed
}

func TestIssueIsIdempotent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	b := confirmedBooking(t, e)

	first, err := e.invoices.Issue(ctx, b.ID)
	require.NoError(t, err)
	second, err := e.invoices.Issue(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *b.InvoiceID, first.ID, "confirmation already issued the invoice")
	assert.Equal(t, b.TotalAmount, first.Amount)
	assert.Equal(t, b.UserID, first.UserID)
}

func TestIssueConcurrent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])
	e.pay(t, b)

	// confirm without the invoice so the issuers race on creation
	_, err := e.repo.UpdateBookingStatus(ctx, b.ID, StatusPending, StatusConfirmed, nil)
	require.NoError(t, err)

	const callers = 8
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := e.invoices.Issue(ctx, b.ID)
			if assert.NoError(t, err) {
				ids <- inv.ID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestIssueRequiresConfirmed(t *testing.T) {
	e := newEngine(t)
	c := seedDay(t, e.repo, 1)
	b := e.book(t, c.slots[0])

	_, err := e.invoices.Issue(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.repo.GetInvoiceByBooking(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestInvoiceNumberFormat(t *testing.T) {
	n := invoiceNumber(time.Date(2030, 3, 14, 10, 0, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^INV-20300314-[0-9A-F]{8}$`), n)
	assert.NotEqual(t, n, invoiceNumber(time.Date(2030, 3, 14, 10, 0, 0, 0, time.UTC)))
}
