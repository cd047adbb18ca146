package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/booking"
	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
)

// RefundStore is the slice of the booking repository the dispatcher needs.
type RefundStore interface {
	ListRefundObligations(ctx context.Context, status booking.RefundStatus, limit int) ([]booking.RefundObligation, error)
	UpdateRefundObligation(ctx context.Context, id uuid.UUID, from, to booking.RefundStatus, providerRefundID *string) error
}

// Dispatcher submits PENDING refund obligations to the provider. The
// obligation becomes SETTLED later, when the provider's refunded event is
// reconciled.
type Dispatcher struct {
	store     RefundStore
	refunder  Refunder
	batchSize int
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewDispatcher(store RefundStore, refunder Refunder, batchSize int, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		store:     store,
		refunder:  refunder,
		batchSize: batchSize,
		log:       logger.OrNop(log),
		metrics:   m,
	}
}

func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.Info("refund dispatcher started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("refund dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.log.Error("refund pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce submits one batch and returns how many obligations were accepted
// by the provider.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	pending, err := d.store.ListRefundObligations(ctx, booking.RefundPending, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list refund obligations: %w", err)
	}

	submitted := 0
	for _, ro := range pending {
		if err := d.submit(ctx, ro); err != nil {
			d.metrics.RefundDispatched("error")
			d.log.Warn("refund not submitted",
				zap.String("refund_id", ro.ID.String()),
				zap.String("booking_id", ro.BookingID.String()),
				zap.Error(err))
			continue
		}
		d.metrics.RefundDispatched("submitted")
		submitted++
	}
	return submitted, nil
}

func (d *Dispatcher) submit(ctx context.Context, ro booking.RefundObligation) error {
	res, err := d.refunder.Refund(ctx, RefundRequest{
		IdempotencyKey: ro.ID.String(),
		ProviderRef:    ro.ProviderRef,
		Amount:         ro.Amount,
		Currency:       ro.Currency,
		Reason:         "booking_cancelled",
	})
	if err != nil {
		return err
	}

	refundID := res.ProviderRefundID
	err = d.store.UpdateRefundObligation(ctx, ro.ID, booking.RefundPending, booking.RefundSubmitted, &refundID)
	if err != nil {
		// resubmitted next pass under the same idempotency key
		return fmt.Errorf("mark refund submitted: %w", err)
	}

	d.log.Info("refund submitted",
		zap.String("refund_id", ro.ID.String()),
		zap.String("provider_refund_id", refundID),
		zap.String("provider_status", res.Status))
	return nil
}
