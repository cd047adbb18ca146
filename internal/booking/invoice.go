package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
)

// InvoiceIssuer creates the single invoice of a confirmed booking.
type InvoiceIssuer struct {
	repo    Repository
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewInvoiceIssuer(repo Repository, log *zap.Logger, m *metrics.Metrics) *InvoiceIssuer {
	return &InvoiceIssuer{
		repo:    repo,
		log:     logger.OrNop(log),
		metrics: m,
		now:     time.Now,
	}
}

// Issue returns the booking's invoice, creating it on first call. The
// booking must be CONFIRMED.
func (i *InvoiceIssuer) Issue(ctx context.Context, bookingID uuid.UUID) (*Invoice, error) {
	var issued *Invoice
	err := i.repo.InTx(ctx, func(tx Repository) error {
		b, err := tx.GetBookingByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != StatusConfirmed {
			return ErrInvalidTransition
		}
		inv, err := i.issueTx(ctx, tx, b)
		if err != nil {
			return err
		}
		issued = inv
		return nil
	})
	if errors.Is(err, errConcurrentUpdate) {
		// lost the insert race; the winner's invoice is the invoice
		return i.repo.GetInvoiceByBooking(ctx, bookingID)
	}
	if err != nil {
		return nil, err
	}
	return issued, nil
}

func (i *InvoiceIssuer) issueTx(ctx context.Context, tx Repository, b *Booking) (*Invoice, error) {
	existing, err := tx.GetInvoiceByBooking(ctx, b.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, fmt.Errorf("load invoice: %w", err)
	}

	now := i.now().UTC()
	inv := &Invoice{
		ID:        uuid.New(),
		BookingID: b.ID,
		Number:    invoiceNumber(now),
		UserID:    b.UserID,
		Amount:    b.TotalAmount,
		Currency:  b.Currency,
		IssuedAt:  now,
	}
	if err := tx.CreateInvoice(ctx, inv); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, errConcurrentUpdate
		}
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	if err := tx.SetBookingInvoice(ctx, b.ID, inv.ID); err != nil {
		return nil, err
	}
	b.InvoiceID = &inv.ID

	i.metrics.InvoiceIssued()
	i.log.Info("invoice issued",
		zap.String("booking_id", b.ID.String()),
		zap.String("number", inv.Number))
	return inv, nil
}

// invoiceNumber renders INV-YYYYMMDD-XXXXXXXX.
func invoiceNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "INV-" + at.Format("20060102") + "-" + suffix
}
