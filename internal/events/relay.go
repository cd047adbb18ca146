package events

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

// OutboxStore is the slice of the booking repository the relay needs.
type OutboxStore interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]booking.OutboxEvent, error)
	MarkOutboxEvent(ctx context.Context, id uuid.UUID, status booking.OutboxStatus, lastErr *string) error
}

type RelayConfig struct {
	BatchSize   int
	MaxAttempts int
}

// Relay drains committed outbox events into a Publisher. An event that keeps
// failing is parked as FAILED after MaxAttempts passes.
type Relay struct {
	store   OutboxStore
	pub     Publisher
	cfg     RelayConfig
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRelay(store OutboxStore, pub Publisher, cfg RelayConfig, log *zap.Logger, m *metrics.Metrics) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Relay{
		store:   store,
		pub:     pub,
		cfg:     cfg,
		log:     logger.OrNop(log),
		metrics: m,
	}
}

// Start relays on every tick until ctx is cancelled.
func (r *Relay) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce relays one batch and returns how many events were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.store.ListPendingOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending outbox: %w", err)
	}
	r.metrics.OutboxPending(len(pending))

	published := 0
	for _, ev := range pending {
		if err := r.relay(ctx, ev); err != nil {
			r.log.Warn("outbox event not published",
				zap.String("event_id", ev.ID.String()),
				zap.String("event_type", ev.EventType),
				zap.Int("attempts", ev.Attempts+1),
				zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

func (r *Relay) relay(ctx context.Context, ev booking.OutboxEvent) error {
	msg := Message{
		ID:         ev.ID,
		Type:       ev.EventType,
		BookingID:  ev.BookingID,
		OccurredAt: ev.CreatedAt,
		Payload:    ev.Payload,
	}

	pubErr := r.pub.Publish(ctx, msg)
	if pubErr == nil {
		r.metrics.OutboxRelayed(ev.EventType, "published")
		return r.store.MarkOutboxEvent(ctx, ev.ID, booking.OutboxPublished, nil)
	}

	status := booking.OutboxPending
	if ev.Attempts+1 >= r.cfg.MaxAttempts {
		status = booking.OutboxFailed
	}
	r.metrics.OutboxRelayed(ev.EventType, string(status))

	msgText := pubErr.Error()
	if err := r.store.MarkOutboxEvent(ctx, ev.ID, status, &msgText); err != nil {
		return fmt.Errorf("mark outbox event: %w (publish: %v)", err, pubErr)
	}
	return pubErr
}
