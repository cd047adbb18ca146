package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all storage interactions needed by the engine.
//
// Conditional writes (ClaimSlot, UpdateBookingStatus, UpdateBookingPaymentStatus,
// UpdatePaymentStatus, ...) only apply when the stored row still holds the
// expected value. A miss is reported as errConcurrentUpdate, or as a domain
// sentinel where noted.
type Repository interface {
	// InTx runs fn against a repository bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Calling InTx on an already bound repository reuses the transaction.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	// Catalog. The engine never calls these on a request path; they exist
	// for seeding and tests.
	CreateService(ctx context.Context, s *Service) error
	CreateAvailability(ctx context.Context, a *Availability) error
	CreateTimeSlot(ctx context.Context, s *TimeSlot) error

	GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error)
	GetAvailability(ctx context.Context, serviceID uuid.UUID, date time.Time) (*Availability, error)
	GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*Availability, error)
	ListSlotsByAvailability(ctx context.Context, availabilityID uuid.UUID) ([]TimeSlot, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)

	// Slot transitions.
	// ClaimSlot moves an AVAILABLE slot with the given version to BOOKED on a
	// bookable day. Any miss returns ErrSlotUnavailable.
	ClaimSlot(ctx context.Context, id uuid.UUID, version int64, token uuid.UUID, expiresAt time.Time) (*TimeSlot, error)
	// BindSlot attaches a booking to a claimed slot. Returns ErrInvalidClaim
	// when the slot no longer carries the claim.
	BindSlot(ctx context.Context, id, token, bookingID uuid.UUID) (*TimeSlot, error)
	// ReleaseClaim frees a slot still carrying token and owned by no booking.
	ReleaseClaim(ctx context.Context, id, token uuid.UUID) (bool, error)
	// ReleaseSlotForBooking frees a slot owned by bookingID.
	ReleaseSlotForBooking(ctx context.Context, id, bookingID uuid.UUID) (bool, error)
	// ExpireClaims frees every provisional claim that expired before now.
	ExpireClaims(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	// Bookings.
	CreateBooking(ctx context.Context, b *Booking) error
	GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetBookingByPaymentIntent(ctx context.Context, intentID string) (*Booking, error)
	ListBookingsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Booking, error)
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus, reason *string) (*Booking, error)
	UpdateBookingPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Booking, error)
	SetBookingPaymentIntent(ctx context.Context, id uuid.UUID, intentID string) error
	SetBookingInvoice(ctx context.Context, id, invoiceID uuid.UUID) error
	FindUnpaidPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Booking, error)

	// Payments. CreatePayment returns ErrAlreadyExists when the
	// (order id, payment id) pair is taken.
	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentByProviderIDs(ctx context.Context, orderID, paymentID string) (*Payment, error)
	GetPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	ListPaymentsByBooking(ctx context.Context, bookingID uuid.UUID) ([]Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]Payment, error)
	UpdatePayment(ctx context.Context, p *Payment, from PaymentStatus) error

	// Invoices. CreateInvoice returns ErrAlreadyExists when the booking
	// already has one.
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoiceByBooking(ctx context.Context, bookingID uuid.UUID) (*Invoice, error)

	// Refund obligations. CreateRefundObligation returns ErrAlreadyExists
	// when the booking already has one.
	CreateRefundObligation(ctx context.Context, r *RefundObligation) error
	GetRefundObligationByBooking(ctx context.Context, bookingID uuid.UUID) (*RefundObligation, error)
	ListRefundObligations(ctx context.Context, status RefundStatus, limit int) ([]RefundObligation, error)
	UpdateRefundObligation(ctx context.Context, id uuid.UUID, from, to RefundStatus, providerRefundID *string) error

	// Outbox.
	InsertOutboxEvent(ctx context.Context, ev *OutboxEvent) error
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkOutboxEvent(ctx context.Context, id uuid.UUID, status OutboxStatus, lastErr *string) error
}
