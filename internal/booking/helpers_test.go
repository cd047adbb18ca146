package booking

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type engine struct {
	repo     Repository
	calendar *Calendar
	alloc    *Allocator
	invoices *InvoiceIssuer
	bookings *Manager
	rec      *Reconciler
}

func newTestRepo(t *testing.T) *BoltRepository {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "engine.db"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewBoltRepository(db)
	require.NoError(t, err)
	return repo
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	return newEngineOn(t, newTestRepo(t))
}

func newEngineOn(t *testing.T, repo Repository) *engine {
	t.Helper()
	log := zap.NewNop()

	alloc := NewAllocator(repo, nil, 10*time.Minute, log, nil)
	invoices := NewInvoiceIssuer(repo, log, nil)
	mgr := NewManager(repo, alloc, invoices, time.Hour, log, nil)

	return &engine{
		repo:     repo,
		calendar: NewCalendar(repo, 0),
		alloc:    alloc,
		invoices: invoices,
		bookings: mgr,
		rec:      NewReconciler(repo, mgr, log, nil),
	}
}

// setClock pins every component's clock to at.
func (e *engine) setClock(at time.Time) {
	now := func() time.Time { return at }
	e.alloc.now = now
	e.invoices.now = now
	e.bookings.now = now
}

var testDay = time.Date(2030, time.March, 14, 0, 0, 0, 0, time.UTC)

type catalog struct {
	service      *Service
	availability *Availability
	slots        []*TimeSlot
}

// seedDay creates an active service with a bookable day holding n hourly
// slots starting at 09:00.
func seedDay(t *testing.T, repo Repository, n int) catalog {
	t.Helper()
	return seedDayWith(t, repo, n, true, true)
}

func seedDayWith(t *testing.T, repo Repository, n int, active, bookable bool) catalog {
	t.Helper()
	ctx := context.Background()

	svc := &Service{
		Title:           "Forest bathing walk",
		Amount:          4500,
		Currency:        "EUR",
		Pricing:         PricingFixed,
		DurationMinutes: 60,
		SessionKind:     SessionGroup,
		IsActive:        active,
	}
	require.NoError(t, repo.CreateService(ctx, svc))

	avail := &Availability{ServiceID: svc.ID, Date: testDay, IsBookable: bookable}
	require.NoError(t, repo.CreateAvailability(ctx, avail))

	c := catalog{service: svc, availability: avail}
	for i := 0; i < n; i++ {
		start := testDay.Add(time.Duration(9+i) * time.Hour)
		slot := &TimeSlot{
			AvailabilityID: avail.ID,
			StartTime:      start,
			EndTime:        start.Add(time.Hour),
			Status:         SlotAvailable,
		}
		require.NoError(t, repo.CreateTimeSlot(ctx, slot))
		c.slots = append(c.slots, slot)
	}
	return c
}

// book claims slot and creates a PENDING booking for a fresh user.
func (e *engine) book(t *testing.T, slot *TimeSlot) *Booking {
	t.Helper()
	ctx := context.Background()

	claim, err := e.alloc.Claim(ctx, slot.ID)
	require.NoError(t, err)

	b, err := e.bookings.Create(ctx, CreateRequest{Claim: *claim, UserID: uuid.New()})
	require.NoError(t, err)
	return b
}

// pay initiates a payment for b and delivers a captured event for it.
func (e *engine) pay(t *testing.T, b *Booking) *Outcome {
	t.Helper()
	ctx := context.Background()

	attempt, err := e.bookings.InitiatePayment(ctx, b.ID, "order_"+b.ID.String())
	require.NoError(t, err)

	out, err := e.rec.Apply(ctx, ProviderEvent{
		OrderID:   attempt.ProviderOrderID,
		PaymentID: "pay_" + b.ID.String()[:8],
		Status:    "captured",
		Amount:    b.TotalAmount,
		Currency:  b.Currency,
	})
	require.NoError(t, err)
	return out
}

func outboxTypes(t *testing.T, repo Repository) []string {
	t.Helper()
	events, err := repo.ListPendingOutbox(context.Background(), 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}
