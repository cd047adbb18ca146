package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
)

const (
	ReasonPaymentTimeout = "payment_timeout"

	maxTxAttempts = 3
)

// Manager owns the booking lifecycle:
//
//	PENDING -> CONFIRMED | CANCELLED
//	CONFIRMED -> CANCELLED
//
// and the booking side of the payment status:
//
//	PENDING -> PAID | FAILED, FAILED -> PAID, PAID -> REFUNDED
type Manager struct {
	repo       Repository
	alloc      *Allocator
	invoices   *InvoiceIssuer
	paymentTTL time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewManager(repo Repository, alloc *Allocator, invoices *InvoiceIssuer, paymentTTL time.Duration, log *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		repo:       repo,
		alloc:      alloc,
		invoices:   invoices,
		paymentTTL: paymentTTL,
		log:        logger.OrNop(log),
		metrics:    m,
		now:        time.Now,
	}
}

// CreateRequest turns a claim into a booking. ServiceID and Date are
// optional cross-checks against the claimed slot; a non-positive Amount
// falls back to the service price.
type CreateRequest struct {
	Claim     Claim
	UserID    uuid.UUID
	ServiceID uuid.UUID
	Date      time.Time
	Amount    int64
}

// Create inserts a PENDING booking and binds the claimed slot to it in one
// transaction. On any failure the claim is released.
func (s *Manager) Create(ctx context.Context, req CreateRequest) (*Booking, error) {
	if req.Claim.Expired(s.now()) {
		s.releaseClaim(ctx, req.Claim)
		return nil, ErrClaimExpired
	}

	var created *Booking
	err := s.repo.InTx(ctx, func(tx Repository) error {
		b, err := s.createTx(ctx, tx, req)
		if err != nil {
			return err
		}
		created = b
		return nil
	})
	if err != nil {
		s.releaseClaim(ctx, req.Claim)
		return nil, err
	}

	s.metrics.BookingTransition(string(StatusPending))
	s.log.Info("booking created",
		zap.String("booking_id", created.ID.String()),
		zap.String("slot_id", created.TimeSlotID.String()),
		zap.String("user_id", created.UserID.String()))
	return created, nil
}

// Reserve claims slotID and books it for userID in a single transaction, so
// either both happen or neither does.
func (s *Manager) Reserve(ctx context.Context, slotID, userID uuid.UUID) (*Booking, error) {
	var created *Booking
	err := s.alloc.guard(ctx, slotID, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx Repository) error {
			claim, err := s.alloc.claim(ctx, tx, slotID)
			if err != nil {
				return err
			}
			b, err := s.createTx(ctx, tx, CreateRequest{Claim: *claim, UserID: userID})
			if err != nil {
				return err
			}
			created = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BookingTransition(string(StatusPending))
	s.log.Info("booking reserved",
		zap.String("booking_id", created.ID.String()),
		zap.String("slot_id", slotID.String()))
	return created, nil
}

func (s *Manager) createTx(ctx context.Context, tx Repository, req CreateRequest) (*Booking, error) {
	claim := req.Claim

	slot, err := tx.GetSlotByID(ctx, claim.SlotID)
	if err != nil {
		return nil, err
	}
	if slot.Status != SlotBooked || slot.BookingID != nil || slot.ClaimToken == nil ||
		*slot.ClaimToken != claim.Token || slot.Version != claim.Version {
		return nil, ErrInvalidClaim
	}
	if slot.ClaimExpiresAt != nil && !s.now().Before(*slot.ClaimExpiresAt) {
		return nil, ErrClaimExpired
	}

	avail, err := tx.GetAvailabilityByID(ctx, slot.AvailabilityID)
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	if req.ServiceID != uuid.Nil && req.ServiceID != avail.ServiceID {
		return nil, ErrInvalidClaim
	}
	if !req.Date.IsZero() && !DateOnly(req.Date).Equal(DateOnly(avail.Date)) {
		return nil, ErrInvalidClaim
	}

	svc, err := tx.GetServiceByID(ctx, avail.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("load service: %w", err)
	}
	if !svc.IsActive {
		return nil, ErrServiceInactive
	}

	amount := req.Amount
	if amount <= 0 {
		amount = svc.Amount
	}

	b := &Booking{
		ID:            uuid.New(),
		UserID:        req.UserID,
		ServiceID:     svc.ID,
		TimeSlotID:    slot.ID,
		Date:          DateOnly(avail.Date),
		TimeSlotLabel: slot.Label(),
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		TotalAmount:   amount,
		Currency:      svc.Currency,
	}
	if err := tx.CreateBooking(ctx, b); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}
	if _, err := tx.BindSlot(ctx, slot.ID, claim.Token, b.ID); err != nil {
		return nil, err
	}

	err = recordEvent(ctx, tx, EventBookingCreated, b.ID, map[string]any{
		"user_id":      b.UserID.String(),
		"service_id":   b.ServiceID.String(),
		"time_slot_id": b.TimeSlotID.String(),
		"date":         b.Date.Format(time.DateOnly),
		"time_slot":    b.TimeSlotLabel,
		"amount":       b.TotalAmount,
		"currency":     b.Currency,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Manager) releaseClaim(ctx context.Context, claim Claim) {
	if err := s.alloc.Release(ctx, claim); err != nil {
		s.log.Warn("compensating claim release failed",
			zap.String("slot_id", claim.SlotID.String()),
			zap.Error(err))
	}
}

// InitiatePayment records a PENDING payment attempt under orderID and makes
// orderID the booking's payment intent. Calling it again with the same order
// returns the existing attempt. Payments the provider already reported for
// orderID before the booking was known are linked to it; a captured one is
// returned instead of a fresh attempt.
func (s *Manager) InitiatePayment(ctx context.Context, bookingID uuid.UUID, orderID string) (*Payment, error) {
	if orderID == "" {
		orderID = "order_" + uuid.NewString()
	}

	var payment *Payment
	err := s.retryTx(ctx, func(tx Repository) error {
		b, err := tx.GetBookingByID(ctx, bookingID)
		if err != nil {
			return err
		}

		existing, err := tx.GetPaymentByProviderIDs(ctx, orderID, "")
		switch {
		case err == nil:
			if existing.BookingID == nil || *existing.BookingID != b.ID {
				return ErrAlreadyExists
			}
			payment = existing
			return nil
		case !errors.Is(err, ErrPaymentNotFound):
			return fmt.Errorf("load payment attempt: %w", err)
		}

		if b.Status != StatusPending || b.PaymentStatus == PaymentPaid || b.PaymentStatus == PaymentRefunded {
			return ErrInvalidTransition
		}

		reported, err := tx.ListPaymentsByOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("list payments by order: %w", err)
		}
		var captured *Payment
		for i := range reported {
			p := &reported[i]
			if p.BookingID != nil {
				if *p.BookingID != b.ID {
					return ErrAlreadyExists
				}
				continue
			}
			if b, err = s.linkPaymentTx(ctx, tx, b, p); err != nil {
				return err
			}
			if p.Status == PaymentPaid {
				captured = p
			}
		}
		if err := tx.SetBookingPaymentIntent(ctx, b.ID, orderID); err != nil {
			return fmt.Errorf("set payment intent: %w", err)
		}
		if captured != nil {
			payment = captured
			return nil
		}

		id := b.ID
		p := &Payment{
			ID:              uuid.New(),
			BookingID:       &id,
			ProviderOrderID: orderID,
			Amount:          b.TotalAmount,
			Currency:        b.Currency,
			Status:          PaymentPending,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return errConcurrentUpdate
			}
			return fmt.Errorf("create payment: %w", err)
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// linkPaymentTx attaches a payment recorded without a booking to b and
// applies the booking side of the status the provider already reported.
func (s *Manager) linkPaymentTx(ctx context.Context, tx Repository, b *Booking, p *Payment) (*Booking, error) {
	id := b.ID
	p.BookingID = &id
	if p.Amount == 0 {
		p.Amount = b.TotalAmount
	}
	if p.Currency == "" {
		p.Currency = b.Currency
	}
	if err := tx.UpdatePayment(ctx, p, p.Status); err != nil {
		return nil, err
	}

	s.log.Info("payment linked to booking",
		zap.String("booking_id", b.ID.String()),
		zap.String("payment_id", p.ID.String()),
		zap.String("status", string(p.Status)))

	switch p.Status {
	case PaymentPaid:
		return s.markPaidTx(ctx, tx, b.ID, p.ID)
	case PaymentFailed:
		return s.markFailedTx(ctx, tx, b, p)
	case PaymentRefunded:
		return s.markRefundedTx(ctx, tx, b)
	}
	return b, nil
}

// MarkPaid records that paymentID settled the booking. It never confirms.
func (s *Manager) MarkPaid(ctx context.Context, bookingID, paymentID uuid.UUID) (*Booking, error) {
	var updated *Booking
	err := s.retryTx(ctx, func(tx Repository) error {
		b, err := s.markPaidTx(ctx, tx, bookingID, paymentID)
		if err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Manager) markPaidTx(ctx context.Context, tx Repository, bookingID, paymentID uuid.UUID) (*Booking, error) {
	p, err := tx.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentPaid || p.BookingID == nil || *p.BookingID != bookingID {
		return nil, ErrInvalidTransition
	}

	b, err := tx.GetBookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch b.PaymentStatus {
	case PaymentPaid:
		return b, nil
	case PaymentRefunded:
		return nil, ErrInvalidTransition
	}

	updated, err := tx.UpdateBookingPaymentStatus(ctx, b.ID, b.PaymentStatus, PaymentPaid)
	if err != nil {
		return nil, err
	}
	s.metrics.BookingTransition(string(PaymentPaid))

	// money arrived for a booking that is already gone
	if updated.Status == StatusCancelled {
		if err := s.requestRefundTx(ctx, tx, updated, p); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (s *Manager) markFailedTx(ctx context.Context, tx Repository, b *Booking, failed *Payment) (*Booking, error) {
	if b.PaymentStatus == PaymentPending {
		payments, err := tx.ListPaymentsByBooking(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("list payments: %w", err)
		}
		settled := false
		for _, p := range payments {
			if p.ID != failed.ID && p.Status == PaymentPaid {
				settled = true
				break
			}
		}
		if !settled {
			updated, err := tx.UpdateBookingPaymentStatus(ctx, b.ID, PaymentPending, PaymentFailed)
			if err != nil {
				return nil, err
			}
			b = updated
			s.metrics.BookingTransition(string(PaymentFailed))
		}
	}

	err := recordEvent(ctx, tx, EventPaymentFailed, b.ID, map[string]any{
		"user_id":             b.UserID.String(),
		"provider_order_id":   failed.ProviderOrderID,
		"provider_payment_id": failed.ProviderPaymentID,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Manager) markRefundedTx(ctx context.Context, tx Repository, b *Booking) (*Booking, error) {
	if b.PaymentStatus == PaymentPaid {
		updated, err := tx.UpdateBookingPaymentStatus(ctx, b.ID, PaymentPaid, PaymentRefunded)
		if err != nil {
			return nil, err
		}
		b = updated
		s.metrics.BookingTransition(string(PaymentRefunded))
	}

	ro, err := tx.GetRefundObligationByBooking(ctx, b.ID)
	switch {
	case errors.Is(err, ErrRefundNotFound):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("load refund obligation: %w", err)
	}
	if ro.Status != RefundSettled {
		if err := tx.UpdateRefundObligation(ctx, ro.ID, ro.Status, RefundSettled, nil); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Confirm moves a paid PENDING booking to CONFIRMED and issues its invoice.
// Confirming a CONFIRMED booking is a no-op.
func (s *Manager) Confirm(ctx context.Context, bookingID uuid.UUID) (*Booking, error) {
	var confirmed *Booking
	transitioned := false
	err := s.retryTx(ctx, func(tx Repository) error {
		transitioned = false
		b, err := tx.GetBookingByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status == StatusConfirmed {
			confirmed = b
			return nil
		}
		if b.Status != StatusPending || b.PaymentStatus != PaymentPaid {
			return ErrInvalidTransition
		}

		updated, err := tx.UpdateBookingStatus(ctx, b.ID, StatusPending, StatusConfirmed, nil)
		if err != nil {
			return err
		}
		inv, err := s.invoices.issueTx(ctx, tx, updated)
		if err != nil {
			return err
		}
		err = recordEvent(ctx, tx, EventBookingConfirmed, updated.ID, map[string]any{
			"user_id":        updated.UserID.String(),
			"invoice_id":     inv.ID.String(),
			"invoice_number": inv.Number,
			"date":           updated.Date.Format(time.DateOnly),
			"time_slot":      updated.TimeSlotLabel,
		})
		if err != nil {
			return err
		}
		confirmed = updated
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.metrics.BookingTransition(string(StatusConfirmed))
		s.log.Info("booking confirmed", zap.String("booking_id", bookingID.String()))
	}
	return confirmed, nil
}

// Cancel cancels a PENDING or CONFIRMED booking and frees its slot before
// returning. A paid booking gets exactly one refund obligation. Cancelling a
// CANCELLED booking is a no-op.
func (s *Manager) Cancel(ctx context.Context, bookingID uuid.UUID, reason string) (*Booking, error) {
	b, _, err := s.cancel(ctx, bookingID, reason, false)
	return b, err
}

func (s *Manager) cancel(ctx context.Context, bookingID uuid.UUID, reason string, onlyUnpaid bool) (*Booking, bool, error) {
	var cancelled *Booking
	transitioned := false
	err := s.retryTx(ctx, func(tx Repository) error {
		transitioned = false
		b, err := tx.GetBookingByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status == StatusCancelled {
			cancelled = b
			return nil
		}
		if onlyUnpaid && (b.Status != StatusPending || (b.PaymentStatus != PaymentPending && b.PaymentStatus != PaymentFailed)) {
			cancelled = b
			return nil
		}

		var why *string
		if reason != "" {
			why = &reason
		}
		updated, err := tx.UpdateBookingStatus(ctx, b.ID, b.Status, StatusCancelled, why)
		if err != nil {
			return err
		}

		released, err := tx.ReleaseSlotForBooking(ctx, updated.TimeSlotID, updated.ID)
		if err != nil {
			return fmt.Errorf("release slot: %w", err)
		}

		if updated.PaymentStatus == PaymentPaid {
			if err := s.requestRefundTx(ctx, tx, updated, nil); err != nil {
				return err
			}
		}

		err = recordEvent(ctx, tx, EventBookingCancelled, updated.ID, map[string]any{
			"user_id":        updated.UserID.String(),
			"reason":         reason,
			"previous":       string(b.Status),
			"slot_released":  released,
			"payment_status": string(updated.PaymentStatus),
		})
		if err != nil {
			return err
		}
		cancelled = updated
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if transitioned {
		s.metrics.BookingTransition(string(StatusCancelled))
		s.log.Info("booking cancelled",
			zap.String("booking_id", bookingID.String()),
			zap.String("reason", reason))
	}
	return cancelled, transitioned, nil
}

// requestRefundTx records the refund obligation for a paid, cancelled
// booking. paid may be nil, in which case the settling payment is looked up.
func (s *Manager) requestRefundTx(ctx context.Context, tx Repository, b *Booking, paid *Payment) error {
	if _, err := tx.GetRefundObligationByBooking(ctx, b.ID); err == nil {
		return nil
	} else if !errors.Is(err, ErrRefundNotFound) {
		return fmt.Errorf("load refund obligation: %w", err)
	}

	if paid == nil {
		payments, err := tx.ListPaymentsByBooking(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		for i := range payments {
			if payments[i].Status == PaymentPaid {
				paid = &payments[i]
			}
		}
		if paid == nil {
			return fmt.Errorf("booking %s is paid but has no settled payment", b.ID)
		}
	}

	ro := &RefundObligation{
		ID:          uuid.New(),
		BookingID:   b.ID,
		PaymentID:   paid.ID,
		ProviderRef: paid.ProviderPaymentID,
		Amount:      paid.Amount,
		Currency:    paid.Currency,
		Status:      RefundPending,
	}
	if err := tx.CreateRefundObligation(ctx, ro); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return errConcurrentUpdate
		}
		return fmt.Errorf("create refund obligation: %w", err)
	}

	return recordEvent(ctx, tx, EventRefundRequested, b.ID, map[string]any{
		"user_id":      b.UserID.String(),
		"refund_id":    ro.ID.String(),
		"payment_id":   paid.ID.String(),
		"provider_ref": ro.ProviderRef,
		"amount":       ro.Amount,
		"currency":     ro.Currency,
	})
}

func (s *Manager) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := s.repo.GetBookingByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (s *Manager) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Booking, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	bookings, err := s.repo.ListBookingsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list bookings by user: %w", err)
	}
	return bookings, nil
}

func (s *Manager) Payments(ctx context.Context, bookingID uuid.UUID) ([]Payment, error) {
	if _, err := s.repo.GetBookingByID(ctx, bookingID); err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPaymentsByBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// retryTx reruns fn in a fresh transaction while it loses a conditional
// write to a concurrent writer.
func (s *Manager) retryTx(ctx context.Context, fn func(tx Repository) error) error {
	return retryTx(ctx, s.repo, fn)
}

func retryTx(ctx context.Context, repo Repository, fn func(tx Repository) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = repo.InTx(ctx, fn)
		if !errors.Is(err, errConcurrentUpdate) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxTxAttempts, err)
}
