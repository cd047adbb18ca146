package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/reservation-engine/internal/booking"
)

type ClaimRequest struct {
	SlotID string `json:"slot_id" validate:"required,uuid"`
}

type ClaimPayload struct {
	SlotID    string    `json:"slot_id" validate:"required,uuid"`
	Token     string    `json:"token" validate:"required,uuid"`
	Version   int64     `json:"version" validate:"gte=1"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c ClaimPayload) toClaim() booking.Claim {
	return booking.Claim{
		SlotID:    uuid.MustParse(c.SlotID),
		Token:     uuid.MustParse(c.Token),
		Version:   c.Version,
		ExpiresAt: c.ExpiresAt,
	}
}

// CreateBookingRequest books either a slot the caller already claimed, or,
// when Claim is absent, claims SlotID and books it in one step.
type CreateBookingRequest struct {
	Claim     *ClaimPayload `json:"claim,omitempty"`
	SlotID    string        `json:"slot_id,omitempty" validate:"omitempty,uuid"`
	ServiceID string        `json:"service_id,omitempty" validate:"omitempty,uuid"`
	Date      string        `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Amount    int64         `json:"amount,omitempty" validate:"gte=0"`
}

type ReleaseClaimRequest struct {
	Token string `json:"token" validate:"required,uuid"`
}

type InitiatePaymentRequest struct {
	OrderID string `json:"order_id,omitempty" validate:"max=255"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type AvailabilityResponse struct {
	Availability *booking.Availability `json:"availability"`
	Slots        []booking.TimeSlot    `json:"slots"`
}

type WebhookResponse struct {
	Status  string           `json:"status"`
	Outcome *booking.Outcome `json:"outcome,omitempty"`
}

type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
