package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
)

// ProviderEvent is a payment provider notification, already authenticated
// upstream.
type ProviderEvent struct {
	OrderID   string `json:"order_id" validate:"required,max=255"`
	PaymentID string `json:"payment_id" validate:"required,max=255"`
	Signature string `json:"signature" validate:"max=512"`
	Status    string `json:"status" validate:"required,oneof=captured paid failed refunded"`
	Amount    int64  `json:"amount" validate:"gte=0"`
	Currency  string `json:"currency" validate:"omitempty,len=3"`
}

func (e ProviderEvent) paymentStatus() PaymentStatus {
	switch strings.ToLower(e.Status) {
	case "captured", "paid":
		return PaymentPaid
	case "failed":
		return PaymentFailed
	case "refunded":
		return PaymentRefunded
	}
	return ""
}

// Outcome describes the state after an event was applied. Booking is nil
// when the payment could not be tied to a booking yet.
type Outcome struct {
	Payment   *Payment `json:"payment"`
	Booking   *Booking `json:"booking,omitempty"`
	Duplicate bool     `json:"duplicate"`
}

// Reconciler applies provider events exactly once per (order id, payment id)
// and status.
type Reconciler struct {
	repo     Repository
	mgr      *Manager
	validate *validator.Validate
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewReconciler(repo Repository, mgr *Manager, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		repo:     repo,
		mgr:      mgr,
		validate: validator.New(),
		log:      logger.OrNop(log),
		metrics:  m,
	}
}

// Apply reconciles one provider event. Repeats of the payment's current
// status, and any event for a pair already PAID or FAILED other than its
// refund, return the prior outcome with Duplicate set. Events for a REFUNDED
// pair return ErrStaleEvent and change nothing.
func (r *Reconciler) Apply(ctx context.Context, ev ProviderEvent) (*Outcome, error) {
	if err := r.validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	target := ev.paymentStatus()

	var out *Outcome
	err := retryTx(ctx, r.repo, func(tx Repository) error {
		o, err := r.applyTx(ctx, tx, ev, target)
		if err != nil {
			return err
		}
		out = o
		return nil
	})

	fields := []zap.Field{
		zap.String("order_id", ev.OrderID),
		zap.String("payment_id", ev.PaymentID),
		zap.String("status", string(target)),
	}
	switch {
	case errors.Is(err, ErrStaleEvent):
		r.metrics.Reconciled(string(target), "stale")
		r.log.Info("stale payment event ignored", fields...)
		return nil, err
	case err != nil:
		r.metrics.Reconciled(string(target), "error")
		r.log.Warn("payment event not applied", append(fields, zap.Error(err))...)
		return nil, err
	case out.Duplicate:
		r.metrics.Reconciled(string(target), "duplicate")
		r.log.Debug("duplicate payment event", fields...)
	default:
		r.metrics.Reconciled(string(target), "applied")
		r.log.Info("payment event applied", fields...)
	}
	return out, nil
}

func (r *Reconciler) applyTx(ctx context.Context, tx Repository, ev ProviderEvent, target PaymentStatus) (*Outcome, error) {
	p, isNew, err := r.loadPayment(ctx, tx, ev)
	if err != nil {
		return nil, err
	}

	b, err := r.findBooking(ctx, tx, p, ev.OrderID)
	if err != nil {
		return nil, err
	}

	// recorded before its booking was known; catch the booking up first
	linked := false
	if !isNew && p.BookingID == nil && b != nil {
		if b, err = r.mgr.linkPaymentTx(ctx, tx, b, p); err != nil {
			return nil, err
		}
		linked = true
	}

	if !isNew {
		switch {
		case p.Status == target:
			return &Outcome{Payment: p, Booking: b, Duplicate: !linked}, nil
		case p.Status == PaymentRefunded:
			return nil, ErrStaleEvent
		case p.Status == PaymentFailed, p.Status == PaymentPaid && target == PaymentFailed:
			// the pair already settled; report what it settled as
			return &Outcome{Payment: p, Booking: b, Duplicate: !linked}, nil
		}
	}
	if target == PaymentRefunded && p.Status != PaymentPaid {
		// refund observed before the capture; the provider redelivers
		return nil, ErrInvalidTransition
	}
	if target.rank() <= p.Status.rank() {
		return nil, ErrStaleEvent
	}

	from := p.Status
	p.Status = target
	if ev.Signature != "" {
		p.ProviderSignature = ev.Signature
	}
	if ev.Amount > 0 {
		p.Amount = ev.Amount
	}
	if ev.Currency != "" {
		p.Currency = strings.ToUpper(ev.Currency)
	}
	if b != nil {
		id := b.ID
		p.BookingID = &id
		if p.Amount == 0 {
			p.Amount = b.TotalAmount
		}
		if p.Currency == "" {
			p.Currency = b.Currency
		}
	}

	if isNew {
		if err := tx.CreatePayment(ctx, p); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return nil, errConcurrentUpdate
			}
			return nil, fmt.Errorf("create payment: %w", err)
		}
	} else if err := tx.UpdatePayment(ctx, p, from); err != nil {
		return nil, err
	}

	if b != nil {
		switch target {
		case PaymentPaid:
			b, err = r.mgr.markPaidTx(ctx, tx, b.ID, p.ID)
		case PaymentFailed:
			b, err = r.mgr.markFailedTx(ctx, tx, b, p)
		case PaymentRefunded:
			b, err = r.mgr.markRefundedTx(ctx, tx, b)
		}
		if err != nil {
			return nil, err
		}
	}

	return &Outcome{Payment: p, Booking: b}, nil
}

// loadPayment finds the payment the event refers to. A PENDING attempt
// recorded by InitiatePayment under the same order is adopted; otherwise a
// new, not yet persisted PENDING payment is returned.
func (r *Reconciler) loadPayment(ctx context.Context, tx Repository, ev ProviderEvent) (*Payment, bool, error) {
	p, err := tx.GetPaymentByProviderIDs(ctx, ev.OrderID, ev.PaymentID)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, false, fmt.Errorf("load payment: %w", err)
	}

	attempt, err := tx.GetPaymentByProviderIDs(ctx, ev.OrderID, "")
	switch {
	case err == nil && attempt.Status == PaymentPending:
		attempt.ProviderPaymentID = ev.PaymentID
		return attempt, false, nil
	case err != nil && !errors.Is(err, ErrPaymentNotFound):
		return nil, false, fmt.Errorf("load payment attempt: %w", err)
	}

	return &Payment{
		ID:                uuid.New(),
		ProviderOrderID:   ev.OrderID,
		ProviderPaymentID: ev.PaymentID,
		Status:            PaymentPending,
	}, true, nil
}

func (r *Reconciler) findBooking(ctx context.Context, tx Repository, p *Payment, orderID string) (*Booking, error) {
	var (
		b   *Booking
		err error
	)
	if p.BookingID != nil {
		b, err = tx.GetBookingByID(ctx, *p.BookingID)
	} else {
		b, err = tx.GetBookingByPaymentIntent(ctx, orderID)
	}
	if errors.Is(err, ErrBookingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return b, nil
}
