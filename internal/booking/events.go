package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Domain events written to the outbox in the same transaction as the state
// change they describe.
const (
	EventBookingCreated   = "BookingCreated"
	EventBookingConfirmed = "BookingConfirmed"
	EventBookingCancelled = "BookingCancelled"
	EventPaymentFailed    = "PaymentFailed"
	EventRefundRequested  = "RefundRequested"
)

func recordEvent(ctx context.Context, tx Repository, eventType string, bookingID uuid.UUID, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["booking_id"] = bookingID.String()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	id := bookingID
	ev := &OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		BookingID: &id,
		Payload:   data,
		Status:    OutboxPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.InsertOutboxEvent(ctx, ev); err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	return nil
}
