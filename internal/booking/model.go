package booking

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PricingScheme string

const (
	PricingFixed   PricingScheme = "FIXED"
	PricingHourly  PricingScheme = "HOURLY"
	PricingPackage PricingScheme = "PACKAGE"
)

func (p PricingScheme) Valid() bool {
	switch p {
	case PricingFixed, PricingHourly, PricingPackage:
		return true
	}
	return false
}

type SessionKind string

const (
	SessionGroup      SessionKind = "GROUP"
	SessionPrivate    SessionKind = "PRIVATE"
	SessionSelfGuided SessionKind = "SELF_GUIDED"
)

func (k SessionKind) Valid() bool {
	switch k {
	case SessionGroup, SessionPrivate, SessionSelfGuided:
		return true
	}
	return false
}

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotBooked    SlotStatus = "BOOKED"
	SlotBlocked   SlotStatus = "BLOCKED"
)

func (s SlotStatus) Valid() bool {
	switch s {
	case SlotAvailable, SlotBooked, SlotBlocked:
		return true
	}
	return false
}

type BookingStatus string

const (
	StatusPending   BookingStatus = "PENDING"
	StatusConfirmed BookingStatus = "CONFIRMED"
	StatusCancelled BookingStatus = "CANCELLED"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

// PaymentStatus is shared by Booking.PaymentStatus and Payment.Status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// rank orders payment statuses on the lattice PENDING < {PAID, FAILED} < REFUNDED.
func (s PaymentStatus) rank() int {
	switch s {
	case PaymentPending:
		return 0
	case PaymentPaid, PaymentFailed:
		return 1
	case PaymentRefunded:
		return 2
	}
	return -1
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundSubmitted RefundStatus = "SUBMITTED"
	RefundSettled   RefundStatus = "SETTLED"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

func ParseBookingStatus(v string) (BookingStatus, error) {
	s := BookingStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown booking status %q", v)
	}
	return s, nil
}

func ParsePaymentStatus(v string) (PaymentStatus, error) {
	s := PaymentStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown payment status %q", v)
	}
	return s, nil
}

func ParseSlotStatus(v string) (SlotStatus, error) {
	s := SlotStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown slot status %q", v)
	}
	return s, nil
}

// Service is owned by catalog management; the engine only reads it.
type Service struct {
	ID                    uuid.UUID       `json:"id"`
	Title                 string          `json:"title"`
	Amount                int64           `json:"amount"`
	Currency              string          `json:"currency"`
	Pricing               PricingScheme   `json:"pricing"`
	DurationMinutes       int             `json:"duration_minutes"`
	Capacity              *int            `json:"capacity,omitempty"`
	SessionKind           SessionKind     `json:"session_kind"`
	IsActive              bool            `json:"is_active"`
	IsOnline              bool            `json:"is_online"`
	IsRecurring           bool            `json:"is_recurring"`
	Location              json.RawMessage `json:"location,omitempty"`
	VirtualMeetingDetails json.RawMessage `json:"virtual_meeting_details,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

type Availability struct {
	ID         uuid.UUID `json:"id"`
	ServiceID  uuid.UUID `json:"service_id"`
	Date       time.Time `json:"date"`
	IsBookable bool      `json:"is_bookable"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TimeSlot is the unit of mutual exclusion. ClaimToken and ClaimExpiresAt are
// set while a claim is provisional; BookingID is set once a booking owns it.
type TimeSlot struct {
	ID             uuid.UUID  `json:"id"`
	AvailabilityID uuid.UUID  `json:"availability_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	Status         SlotStatus `json:"status"`
	Version        int64      `json:"version"`
	ClaimToken     *uuid.UUID `json:"claim_token,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	BookingID      *uuid.UUID `json:"booking_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Label renders the slot interval the way it is denormalized onto bookings.
func (s TimeSlot) Label() string {
	return s.StartTime.Format("15:04") + "-" + s.EndTime.Format("15:04")
}

// Claim is a provisional, time-bounded proof that the holder moved a slot out
// of AVAILABLE.
type Claim struct {
	SlotID    uuid.UUID `json:"slot_id"`
	Token     uuid.UUID `json:"token"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c Claim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

type Booking struct {
	ID                 uuid.UUID     `json:"id"`
	UserID             uuid.UUID     `json:"user_id"`
	ServiceID          uuid.UUID     `json:"service_id"`
	TimeSlotID         uuid.UUID     `json:"time_slot_id"`
	Date               time.Time     `json:"date"`
	TimeSlotLabel      string        `json:"time_slot_label"`
	Status             BookingStatus `json:"status"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	TotalAmount        int64         `json:"total_amount"`
	Currency           string        `json:"currency"`
	PaymentIntentID    *string       `json:"payment_intent_id,omitempty"`
	InvoiceID          *uuid.UUID    `json:"invoice_id,omitempty"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	ConfirmedAt        *time.Time    `json:"confirmed_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Payment holds a weak back-reference to its booking; BookingID is nil for
// payments recorded before a booking exists.
type Payment struct {
	ID                uuid.UUID     `json:"id"`
	BookingID         *uuid.UUID    `json:"booking_id,omitempty"`
	ProviderOrderID   string        `json:"provider_order_id"`
	ProviderPaymentID string        `json:"provider_payment_id"`
	ProviderSignature string        `json:"provider_signature,omitempty"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

type Invoice struct {
	ID        uuid.UUID `json:"id"`
	BookingID uuid.UUID `json:"booking_id"`
	Number    string    `json:"number"`
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	IssuedAt  time.Time `json:"issued_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RefundObligation records that funds must be returned for a cancelled paid
// booking. Moving the funds is the payment collaborator's job.
type RefundObligation struct {
	ID               uuid.UUID    `json:"id"`
	BookingID        uuid.UUID    `json:"booking_id"`
	PaymentID        uuid.UUID    `json:"payment_id"`
	ProviderRef      string       `json:"provider_ref"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	Status           RefundStatus `json:"status"`
	ProviderRefundID *string      `json:"provider_refund_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	BookingID   *uuid.UUID      `json:"booking_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// DateOnly truncates t to its UTC calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
