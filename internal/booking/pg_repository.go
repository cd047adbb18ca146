package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, q: pool}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&PgRepository{pool: r.pool, q: tx, inTx: true})
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Helpers

const (
	serviceCols      = `id, title, amount, currency, pricing, duration_minutes, capacity, session_kind, is_active, is_online, is_recurring, location, virtual_meeting_details, created_at, updated_at`
	availabilityCols = `id, service_id, date, is_bookable, created_at, updated_at`
	slotCols         = `id, availability_id, start_time, end_time, status, version, claim_token, claim_expires_at, booking_id, created_at, updated_at`
	bookingCols      = `id, user_id, service_id, time_slot_id, date, time_slot_label, status, payment_status, total_amount, currency, payment_intent_id, invoice_id, cancellation_reason, cancelled_at, confirmed_at, created_at, updated_at`
	paymentCols      = `id, booking_id, provider_order_id, provider_payment_id, provider_signature, amount, currency, status, created_at, updated_at`
	invoiceCols      = `id, booking_id, number, user_id, amount, currency, issued_at, created_at, updated_at`
	refundCols       = `id, booking_id, payment_id, provider_ref, amount, currency, status, provider_refund_id, created_at, updated_at`
	outboxCols       = `id, event_type, booking_id, payload, status, attempts, last_error, created_at, published_at`
)

func scanService(row pgx.Row) (*Service, error) {
	var s Service
	err := row.Scan(
		&s.ID,
		&s.Title,
		&s.Amount,
		&s.Currency,
		&s.Pricing,
		&s.DurationMinutes,
		&s.Capacity,
		&s.SessionKind,
		&s.IsActive,
		&s.IsOnline,
		&s.IsRecurring,
		&s.Location,
		&s.VirtualMeetingDetails,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAvailability(row pgx.Row) (*Availability, error) {
	var a Availability
	err := row.Scan(
		&a.ID,
		&a.ServiceID,
		&a.Date,
		&a.IsBookable,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	err := row.Scan(
		&s.ID,
		&s.AvailabilityID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&s.Version,
		&s.ClaimToken,
		&s.ClaimExpiresAt,
		&s.BookingID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.ServiceID,
		&b.TimeSlotID,
		&b.Date,
		&b.TimeSlotLabel,
		&b.Status,
		&b.PaymentStatus,
		&b.TotalAmount,
		&b.Currency,
		&b.PaymentIntentID,
		&b.InvoiceID,
		&b.CancellationReason,
		&b.CancelledAt,
		&b.ConfirmedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.BookingID,
		&p.ProviderOrderID,
		&p.ProviderPaymentID,
		&p.ProviderSignature,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID,
		&inv.BookingID,
		&inv.Number,
		&inv.UserID,
		&inv.Amount,
		&inv.Currency,
		&inv.IssuedAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func scanRefund(row pgx.Row) (*RefundObligation, error) {
	var ro RefundObligation
	err := row.Scan(
		&ro.ID,
		&ro.BookingID,
		&ro.PaymentID,
		&ro.ProviderRef,
		&ro.Amount,
		&ro.Currency,
		&ro.Status,
		&ro.ProviderRefundID,
		&ro.CreatedAt,
		&ro.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return &ro, nil
}

func scanOutbox(row pgx.Row) (*OutboxEvent, error) {
	var ev OutboxEvent
	err := row.Scan(
		&ev.ID,
		&ev.EventType,
		&ev.BookingID,
		&ev.Payload,
		&ev.Status,
		&ev.Attempts,
		&ev.LastError,
		&ev.CreatedAt,
		&ev.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	result := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Catalog

func (r *PgRepository) CreateService(ctx context.Context, s *Service) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO services (id, title, amount, currency, pricing, duration_minutes, capacity, session_kind,
		                      is_active, is_online, is_recurring, location, virtual_meeting_details, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING `+serviceCols,
		s.ID, s.Title, s.Amount, s.Currency, s.Pricing, s.DurationMinutes, s.Capacity, s.SessionKind,
		s.IsActive, s.IsOnline, s.IsRecurring, s.Location, s.VirtualMeetingDetails)

	created, err := scanService(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert service: %w", err)
	}
	*s = *created
	return nil
}

func (r *PgRepository) CreateAvailability(ctx context.Context, a *Availability) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO availabilities (id, service_id, date, is_bookable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING `+availabilityCols,
		a.ID, a.ServiceID, DateOnly(a.Date), a.IsBookable)

	created, err := scanAvailability(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert availability: %w", err)
	}
	*a = *created
	return nil
}

func (r *PgRepository) CreateTimeSlot(ctx context.Context, s *TimeSlot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SlotAvailable
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO time_slots (id, availability_id, start_time, end_time, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, now(), now())
		RETURNING `+slotCols,
		s.ID, s.AvailabilityID, s.StartTime, s.EndTime, s.Status)

	created, err := scanSlot(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert time slot: %w", err)
	}
	*s = *created
	return nil
}

func (r *PgRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	row := r.q.QueryRow(ctx, `SELECT `+serviceCols+` FROM services WHERE id = $1`, id)
	return scanService(row)
}

func (r *PgRepository) GetAvailability(ctx context.Context, serviceID uuid.UUID, date time.Time) (*Availability, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+availabilityCols+`
		FROM availabilities
		WHERE service_id = $1 AND date = $2
	`, serviceID, DateOnly(date))
	return scanAvailability(row)
}

func (r *PgRepository) GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*Availability, error) {
	row := r.q.QueryRow(ctx, `SELECT `+availabilityCols+` FROM availabilities WHERE id = $1`, id)
	return scanAvailability(row)
}

func (r *PgRepository) ListSlotsByAvailability(ctx context.Context, availabilityID uuid.UUID) ([]TimeSlot, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+slotCols+`
		FROM time_slots
		WHERE availability_id = $1
		ORDER BY start_time ASC, end_time ASC
	`, availabilityID)
	if err != nil {
		return nil, fmt.Errorf("list time slots: %w", err)
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.q.QueryRow(ctx, `SELECT `+slotCols+` FROM time_slots WHERE id = $1`, id)
	return scanSlot(row)
}

// Slot transitions

func (r *PgRepository) ClaimSlot(ctx context.Context, id uuid.UUID, version int64, token uuid.UUID, expiresAt time.Time) (*TimeSlot, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE time_slots AS ts
		SET status = 'BOOKED',
		    version = ts.version + 1,
		    claim_token = $3,
		    claim_expires_at = $4,
		    booking_id = NULL,
		    updated_at = now()
		WHERE ts.id = $1
		  AND ts.status = 'AVAILABLE'
		  AND ts.version = $2
		  AND EXISTS (
		      SELECT 1 FROM availabilities a
		      WHERE a.id = ts.availability_id AND a.is_bookable
		  )
		RETURNING ts.id, ts.availability_id, ts.start_time, ts.end_time, ts.status, ts.version,
		          ts.claim_token, ts.claim_expires_at, ts.booking_id, ts.created_at, ts.updated_at
	`, id, version, token, expiresAt)

	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	return slot, nil
}

func (r *PgRepository) BindSlot(ctx context.Context, id, token, bookingID uuid.UUID) (*TimeSlot, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE time_slots
		SET booking_id = $3,
		    claim_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'BOOKED'
		  AND claim_token = $2
		  AND booking_id IS NULL
		RETURNING `+slotCols,
		id, token, bookingID)

	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrInvalidClaim
		}
		return nil, fmt.Errorf("bind slot: %w", err)
	}
	return slot, nil
}

func (r *PgRepository) ReleaseClaim(ctx context.Context, id, token uuid.UUID) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE time_slots
		SET status = 'AVAILABLE',
		    version = version + 1,
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'BOOKED'
		  AND claim_token = $2
		  AND booking_id IS NULL
	`, id, token)
	if err != nil {
		return false, fmt.Errorf("release claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ReleaseSlotForBooking(ctx context.Context, id, bookingID uuid.UUID) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE time_slots
		SET status = 'AVAILABLE',
		    version = version + 1,
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    booking_id = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'BOOKED'
		  AND booking_id = $2
	`, id, bookingID)
	if err != nil {
		return false, fmt.Errorf("release slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ExpireClaims(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, `
		UPDATE time_slots
		SET status = 'AVAILABLE',
		    version = version + 1,
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    updated_at = now()
		WHERE status = 'BOOKED'
		  AND booking_id IS NULL
		  AND claim_token IS NOT NULL
		  AND claim_expires_at < $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire claims: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Bookings

func (r *PgRepository) CreateBooking(ctx context.Context, b *Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO bookings (id, user_id, service_id, time_slot_id, date, time_slot_label, status, payment_status,
		                      total_amount, currency, payment_intent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING `+bookingCols,
		b.ID, b.UserID, b.ServiceID, b.TimeSlotID, DateOnly(b.Date), b.TimeSlotLabel, b.Status, b.PaymentStatus,
		b.TotalAmount, b.Currency, b.PaymentIntentID)

	created, err := scanBooking(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	*b = *created
	return nil
}

func (r *PgRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.q.QueryRow(ctx, `SELECT `+bookingCols+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (r *PgRepository) GetBookingByPaymentIntent(ctx context.Context, intentID string) (*Booking, error) {
	row := r.q.QueryRow(ctx, `SELECT `+bookingCols+` FROM bookings WHERE payment_intent_id = $1`, intentID)
	return scanBooking(row)
}

func (r *PgRepository) ListBookingsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Booking, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+bookingCols+`
		FROM bookings
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list bookings by user: %w", err)
	}
	return collect(rows, scanBooking)
}

func (r *PgRepository) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus, reason *string) (*Booking, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE bookings
		SET status = $2,
		    cancellation_reason = CASE WHEN $2 = 'CANCELLED' THEN $4 ELSE cancellation_reason END,
		    cancelled_at = CASE WHEN $2 = 'CANCELLED' THEN now() ELSE cancelled_at END,
		    confirmed_at = CASE WHEN $2 = 'CONFIRMED' THEN now() ELSE confirmed_at END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+bookingCols,
		id, to, from, reason)

	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, errConcurrentUpdate
		}
		return nil, fmt.Errorf("update booking status: %w", err)
	}
	return b, nil
}

func (r *PgRepository) UpdateBookingPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Booking, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE bookings
		SET payment_status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND payment_status = $3
		RETURNING `+bookingCols,
		id, to, from)

	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, errConcurrentUpdate
		}
		return nil, fmt.Errorf("update booking payment status: %w", err)
	}
	return b, nil
}

func (r *PgRepository) SetBookingPaymentIntent(ctx context.Context, id uuid.UUID, intentID string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE bookings
		SET payment_intent_id = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, intentID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("set payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

func (r *PgRepository) SetBookingInvoice(ctx context.Context, id, invoiceID uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE bookings
		SET invoice_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND (invoice_id IS NULL OR invoice_id = $2)
	`, id, invoiceID)
	if err != nil {
		return fmt.Errorf("set booking invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errConcurrentUpdate
	}
	return nil
}

func (r *PgRepository) FindUnpaidPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Booking, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+bookingCols+`
		FROM bookings
		WHERE status = 'PENDING'
		  AND payment_status IN ('PENDING', 'FAILED')
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find unpaid bookings: %w", err)
	}
	return collect(rows, scanBooking)
}

// Payments

func (r *PgRepository) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO payments (id, booking_id, provider_order_id, provider_payment_id, provider_signature,
		                      amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+paymentCols,
		p.ID, p.BookingID, p.ProviderOrderID, p.ProviderPaymentID, p.ProviderSignature, p.Amount, p.Currency, p.Status)

	created, err := scanPayment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	*p = *created
	return nil
}

func (r *PgRepository) GetPaymentByProviderIDs(ctx context.Context, orderID, paymentID string) (*Payment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+paymentCols+`
		FROM payments
		WHERE provider_order_id = $1 AND provider_payment_id = $2
	`, orderID, paymentID)
	return scanPayment(row)
}

func (r *PgRepository) GetPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *PgRepository) ListPaymentsByBooking(ctx context.Context, bookingID uuid.UUID) ([]Payment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+paymentCols+`
		FROM payments
		WHERE booking_id = $1
		ORDER BY created_at ASC
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return collect(rows, scanPayment)
}

func (r *PgRepository) ListPaymentsByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+paymentCols+`
		FROM payments
		WHERE provider_order_id = $1
		ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments by order: %w", err)
	}
	return collect(rows, scanPayment)
}

func (r *PgRepository) UpdatePayment(ctx context.Context, p *Payment, from PaymentStatus) error {
	row := r.q.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
		    booking_id = $3,
		    provider_payment_id = $4,
		    provider_signature = $5,
		    amount = $6,
		    currency = $7,
		    updated_at = now()
		WHERE id = $1
		  AND status = $8
		RETURNING `+paymentCols,
		p.ID, p.Status, p.BookingID, p.ProviderPaymentID, p.ProviderSignature, p.Amount, p.Currency, from)

	updated, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return errConcurrentUpdate
		}
		if isUniqueViolation(err) {
			return errConcurrentUpdate
		}
		return fmt.Errorf("update payment: %w", err)
	}
	*p = *updated
	return nil
}

// Invoices

func (r *PgRepository) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO invoices (id, booking_id, number, user_id, amount, currency, issued_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+invoiceCols,
		inv.ID, inv.BookingID, inv.Number, inv.UserID, inv.Amount, inv.Currency, inv.IssuedAt)

	created, err := scanInvoice(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	*inv = *created
	return nil
}

func (r *PgRepository) GetInvoiceByBooking(ctx context.Context, bookingID uuid.UUID) (*Invoice, error) {
	row := r.q.QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE booking_id = $1`, bookingID)
	return scanInvoice(row)
}

// Refund obligations

func (r *PgRepository) CreateRefundObligation(ctx context.Context, ro *RefundObligation) error {
	if ro.ID == uuid.Nil {
		ro.ID = uuid.New()
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO refund_obligations (id, booking_id, payment_id, provider_ref, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+refundCols,
		ro.ID, ro.BookingID, ro.PaymentID, ro.ProviderRef, ro.Amount, ro.Currency, ro.Status)

	created, err := scanRefund(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert refund obligation: %w", err)
	}
	*ro = *created
	return nil
}

func (r *PgRepository) GetRefundObligationByBooking(ctx context.Context, bookingID uuid.UUID) (*RefundObligation, error) {
	row := r.q.QueryRow(ctx, `SELECT `+refundCols+` FROM refund_obligations WHERE booking_id = $1`, bookingID)
	return scanRefund(row)
}

func (r *PgRepository) ListRefundObligations(ctx context.Context, status RefundStatus, limit int) ([]RefundObligation, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+refundCols+`
		FROM refund_obligations
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list refund obligations: %w", err)
	}
	return collect(rows, scanRefund)
}

func (r *PgRepository) UpdateRefundObligation(ctx context.Context, id uuid.UUID, from, to RefundStatus, providerRefundID *string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE refund_obligations
		SET status = $2,
		    provider_refund_id = COALESCE($4, provider_refund_id),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
	`, id, to, from, providerRefundID)
	if err != nil {
		return fmt.Errorf("update refund obligation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errConcurrentUpdate
	}
	return nil
}

// Outbox

func (r *PgRepository) InsertOutboxEvent(ctx context.Context, ev *OutboxEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = OutboxPending
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, booking_id, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, COALESCE($6, now()))
	`, ev.ID, ev.EventType, ev.BookingID, ev.Payload, ev.Status, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *PgRepository) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+outboxCols+`
		FROM outbox_events
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return collect(rows, scanOutbox)
}

func (r *PgRepository) MarkOutboxEvent(ctx context.Context, id uuid.UUID, status OutboxStatus, lastErr *string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2,
		    attempts = attempts + 1,
		    last_error = $3,
		    published_at = CASE WHEN $2 = 'PUBLISHED' THEN now() ELSE published_at END
		WHERE id = $1
	`, id, status, lastErr)
	if err != nil {
		return fmt.Errorf("mark outbox event: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
