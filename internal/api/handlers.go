package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/reservation-engine/internal/booking"
)

const dateLayout = "2006-01-02"

func availabilityHandler(cal *booking.Calendar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		date, err := time.Parse(dateLayout, chi.URLParam(r, "date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		resp := AvailabilityResponse{Slots: []booking.TimeSlot{}}
		avail, err := cal.GetAvailability(r.Context(), serviceID, date)
		switch {
		case errors.Is(err, booking.ErrAvailabilityNotFound):
			writeJSON(w, http.StatusOK, resp)
			return
		case err != nil:
			handleError(w, err)
			return
		}
		resp.Availability = avail

		slots, err := cal.GetBookableSlots(r.Context(), serviceID, date)
		if err != nil {
			handleError(w, err)
			return
		}
		resp.Slots = slots
		writeJSON(w, http.StatusOK, resp)
	}
}

func listSlotsHandler(cal *booking.Calendar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		date, err := time.Parse(dateLayout, r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date query parameter must be YYYY-MM-DD")
			return
		}

		slots, err := cal.ListSlots(r.Context(), serviceID, date)
		if errors.Is(err, booking.ErrAvailabilityNotFound) {
			slots = []booking.TimeSlot{}
		} else if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slots)
	}
}

func claimSlotHandler(alloc *booking.Allocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClaimRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		claim, err := alloc.Claim(r.Context(), uuid.MustParse(req.SlotID))
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, claim)
	}
}

func releaseClaimHandler(alloc *booking.Allocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := uuidParam(w, r, "slotID")
		if !ok {
			return
		}
		var req ReleaseClaimRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		claim := booking.Claim{SlotID: slotID, Token: uuid.MustParse(req.Token)}
		if err := alloc.Release(r.Context(), claim); err != nil {
			handleError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func createBookingHandler(mgr *booking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := userID(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing_user", err.Error())
			return
		}
		var req CreateBookingRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var b *booking.Booking
		switch {
		case req.Claim != nil:
			cr := booking.CreateRequest{
				Claim:  req.Claim.toClaim(),
				UserID: user,
				Amount: req.Amount,
			}
			if req.ServiceID != "" {
				cr.ServiceID = uuid.MustParse(req.ServiceID)
			}
			if req.Date != "" {
				if cr.Date, err = time.Parse(dateLayout, req.Date); err != nil {
					writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
					return
				}
			}
			b, err = mgr.Create(r.Context(), cr)
		case req.SlotID != "":
			b, err = mgr.Reserve(r.Context(), uuid.MustParse(req.SlotID), user)
		default:
			writeError(w, http.StatusBadRequest, "validation_failed", "either claim or slot_id is required")
			return
		}
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, b)
	}
}

func getBookingHandler(mgr *booking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		b, err := mgr.Get(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func listUserBookingsHandler(mgr *booking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		limit := intQuery(r, "limit", 20)
		offset := intQuery(r, "offset", 0)

		items, err := mgr.ListByUser(r.Context(), id, limit, offset)
		if err != nil {
			handleError(w, err)
			return
		}
		if items == nil {
			items = []booking.Booking{}
		}
		writeJSON(w, http.StatusOK, ListResponse[booking.Booking]{Items: items, Limit: limit, Offset: offset})
	}
}

func initiatePaymentHandler(mgr *booking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var req InitiatePaymentRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}

		p, err := mgr.InitiatePayment(r.Context(), id, req.OrderID)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func listPaymentsHandler(mgr *booking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		payments, err := mgr.Payments(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		if payments == nil {
			payments = []booking.Payment{}
		}
		writeJSON(w, http.StatusOK, payments)
	}
}

func confirmBookingHandler(mgr *booking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		b, err := mgr.Confirm(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func cancelBookingHandler(mgr *booking.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}

		b, err := mgr.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func issueInvoiceHandler(invoices *booking.InvoiceIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		inv, err := invoices.Issue(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	}
}

// paymentWebhookHandler acknowledges duplicates and stale events with 200 so
// the provider stops redelivering them. Anything it should retry gets a
// non-2xx status.
func paymentWebhookHandler(rec *booking.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev booking.ProviderEvent
		if !decodeJSON(w, r, &ev) {
			return
		}

		out, err := rec.Apply(r.Context(), ev)
		switch {
		case errors.Is(err, booking.ErrStaleEvent):
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
		case err != nil:
			handleError(w, err)
		case out.Duplicate:
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "duplicate", Outcome: out})
		default:
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "applied", Outcome: out})
		}
	}
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case booking.IsNotFound(err):
		writeError(w, http.StatusNotFound, notFoundCode(err), err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, booking.ErrSlotNotBookableDay):
		writeError(w, http.StatusUnprocessableEntity, "day_not_bookable", err.Error())
	case errors.Is(err, booking.ErrServiceInactive):
		writeError(w, http.StatusUnprocessableEntity, "service_inactive", err.Error())
	case errors.Is(err, booking.ErrClaimExpired):
		writeError(w, http.StatusGone, "claim_expired", err.Error())
	case errors.Is(err, booking.ErrInvalidClaim):
		writeError(w, http.StatusConflict, "invalid_claim", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, booking.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "request could not be completed, retry later")
	}
}

func notFoundCode(err error) string {
	switch {
	case errors.Is(err, booking.ErrServiceNotFound):
		return "service_not_found"
	case errors.Is(err, booking.ErrAvailabilityNotFound):
		return "availability_not_found"
	case errors.Is(err, booking.ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, booking.ErrBookingNotFound):
		return "booking_not_found"
	case errors.Is(err, booking.ErrPaymentNotFound):
		return "payment_not_found"
	case errors.Is(err, booking.ErrInvoiceNotFound):
		return "invoice_not_found"
	}
	return "not_found"
}
