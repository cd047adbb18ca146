package booking

import "errors"

// Contention.
var ErrSlotUnavailable = errors.New("slot is no longer available, pick another slot")

// Preconditions.
var (
	ErrSlotNotBookableDay = errors.New("slot belongs to a day that is not bookable")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyExists      = errors.New("record already exists")
	ErrClaimExpired       = errors.New("slot claim has expired")
	ErrInvalidClaim       = errors.New("slot claim does not match the slot")
	ErrServiceInactive    = errors.New("service is not active")
	ErrInvalidEvent       = errors.New("invalid provider event")
)

// Not found.
var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrAvailabilityNotFound = errors.New("availability not found")
	ErrSlotNotFound         = errors.New("slot not found")
	ErrBookingNotFound      = errors.New("booking not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrRefundNotFound       = errors.New("refund obligation not found")
)

// ErrStaleEvent is returned for provider events that would move a payment
// backwards on the status lattice. Callers log it and report success upstream.
var ErrStaleEvent = errors.New("stale payment event")

// errConcurrentUpdate marks a lost conditional write; the enclosing
// transaction is retried by callers that are safe to retry.
var errConcurrentUpdate = errors.New("concurrent update")

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrAvailabilityNotFound) ||
		errors.Is(err, ErrSlotNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrRefundNotFound)
}
