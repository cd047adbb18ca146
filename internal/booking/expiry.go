package booking

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const reapBatchSize = 100

// ExpireClaims frees slots whose provisional claim lapsed.
func (s *Manager) ExpireClaims(ctx context.Context) (int, error) {
	return s.alloc.ExpireClaims(ctx)
}

// ExpireUnpaidBookings cancels PENDING bookings that have not been paid
// within the payment window, releasing their slots.
func (s *Manager) ExpireUnpaidBookings(ctx context.Context) (int, error) {
	if s.paymentTTL <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-s.paymentTTL)
	candidates, err := s.repo.FindUnpaidPendingBefore(ctx, cutoff, reapBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find unpaid bookings: %w", err)
	}

	expired := 0
	for _, b := range candidates {
		_, transitioned, err := s.cancel(ctx, b.ID, ReasonPaymentTimeout, true)
		if err != nil {
			s.log.Error("failed to expire unpaid booking",
				zap.String("booking_id", b.ID.String()),
				zap.Error(err))
			continue
		}
		if transitioned {
			expired++
		}
	}

	s.metrics.Released("unpaid_booking", expired)
	return expired, nil
}

// Reap runs one pass of both expiry jobs.
func (s *Manager) Reap(ctx context.Context) error {
	claims, err := s.ExpireClaims(ctx)
	if err != nil {
		return err
	}
	bookings, err := s.ExpireUnpaidBookings(ctx)
	if err != nil {
		return err
	}
	if claims > 0 || bookings > 0 {
		s.log.Info("expiry pass finished",
			zap.Int("claims_released", claims),
			zap.Int("bookings_expired", bookings))
	}
	return nil
}
