package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"
)

// BoltRepository is the embedded single-node store. Every write runs inside a
// bolt Update transaction; bolt serializes writers, so conditional writes are
// trivially atomic.
type BoltRepository struct {
	db *bolt.DB
	tx *bolt.Tx
}

var (
	bucketServices         = []byte("services")
	bucketAvailabilities   = []byte("availabilities")
	bucketAvailabilityDays = []byte("availabilities_by_day")
	bucketSlots            = []byte("time_slots")
	bucketSlotIntervals    = []byte("time_slots_by_interval")
	bucketBookings         = []byte("bookings")
	bucketLiveSlotBookings = []byte("bookings_by_live_slot")
	bucketBookingIntents   = []byte("bookings_by_payment_intent")
	bucketPayments         = []byte("payments")
	bucketPaymentKeys      = []byte("payments_by_provider_ids")
	bucketInvoices         = []byte("invoices_by_booking")
	bucketRefunds          = []byte("refunds_by_booking")
	bucketOutbox           = []byte("outbox_events")

	allBuckets = [][]byte{
		bucketServices, bucketAvailabilities, bucketAvailabilityDays, bucketSlots, bucketSlotIntervals,
		bucketBookings, bucketLiveSlotBookings, bucketBookingIntents, bucketPayments, bucketPaymentKeys,
		bucketInvoices, bucketRefunds, bucketOutbox,
	}
)

const slotKeyLayout = "20060102T150405.000000000Z"

// NewBoltRepository ensures every bucket exists. CreateBucketIfNotExists is
// safe to run on each start.
func NewBoltRepository(db *bolt.DB) (*BoltRepository, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltRepository{db: db}, nil
}

func (r *BoltRepository) InTx(ctx context.Context, fn func(tx Repository) error) error {
	if r.tx != nil {
		return fn(r)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return fn(&BoltRepository{db: r.db, tx: tx})
	})
}

func (r *BoltRepository) view(fn func(tx *bolt.Tx) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	return r.db.View(fn)
}

func (r *BoltRepository) update(fn func(tx *bolt.Tx) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	return r.db.Update(fn)
}

// Helpers

func idKey(id uuid.UUID) []byte {
	return []byte(id.String())
}

func dayKey(serviceID uuid.UUID, date time.Time) []byte {
	return []byte(serviceID.String() + "|" + DateOnly(date).Format("20060102"))
}

func intervalPrefix(availabilityID uuid.UUID) []byte {
	return []byte(availabilityID.String() + "|")
}

func intervalKey(s *TimeSlot) []byte {
	return append(intervalPrefix(s.AvailabilityID),
		[]byte(s.StartTime.UTC().Format(slotKeyLayout)+"|"+s.EndTime.UTC().Format(slotKeyLayout))...)
}

func paymentKey(orderID, paymentID string) []byte {
	return []byte(orderID + "\x00" + paymentID)
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func scanAll[T any](b *bolt.Bucket, keep func(*T) bool) ([]T, error) {
	result := []T{}
	err := b.ForEach(func(_, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if keep(&item) {
			result = append(result, item)
		}
		return nil
	})
	return result, err
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func loadSlot(tx *bolt.Tx, id uuid.UUID) (*TimeSlot, error) {
	var s TimeSlot
	ok, err := getJSON(tx.Bucket(bucketSlots), idKey(id), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func loadBooking(tx *bolt.Tx, id uuid.UUID) (*Booking, error) {
	var b Booking
	ok, err := getJSON(tx.Bucket(bucketBookings), idKey(id), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBookingNotFound
	}
	return &b, nil
}

func loadPayment(tx *bolt.Tx, id uuid.UUID) (*Payment, error) {
	var p Payment
	ok, err := getJSON(tx.Bucket(bucketPayments), idKey(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func freeSlot(s *TimeSlot, now time.Time) {
	s.Status = SlotAvailable
	s.Version++
	s.ClaimToken = nil
	s.ClaimExpiresAt = nil
	s.BookingID = nil
	s.UpdatedAt = now
}

// Catalog

func (r *BoltRepository) CreateService(ctx context.Context, s *Service) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		if b.Get(idKey(s.ID)) != nil {
			return ErrAlreadyExists
		}
		now := utcNow()
		s.CreatedAt, s.UpdatedAt = now, now
		return putJSON(b, idKey(s.ID), s)
	})
}

func (r *BoltRepository) CreateAvailability(ctx context.Context, a *Availability) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Date = DateOnly(a.Date)
	return r.update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketServices).Get(idKey(a.ServiceID)) == nil {
			return ErrServiceNotFound
		}
		days := tx.Bucket(bucketAvailabilityDays)
		key := dayKey(a.ServiceID, a.Date)
		if days.Get(key) != nil {
			return ErrAlreadyExists
		}
		now := utcNow()
		a.CreatedAt, a.UpdatedAt = now, now
		if err := putJSON(tx.Bucket(bucketAvailabilities), idKey(a.ID), a); err != nil {
			return err
		}
		return days.Put(key, idKey(a.ID))
	})
}

func (r *BoltRepository) CreateTimeSlot(ctx context.Context, s *TimeSlot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SlotAvailable
	}
	return r.update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAvailabilities).Get(idKey(s.AvailabilityID)) == nil {
			return ErrAvailabilityNotFound
		}
		intervals := tx.Bucket(bucketSlotIntervals)
		key := intervalKey(s)
		if intervals.Get(key) != nil {
			return ErrAlreadyExists
		}
		now := utcNow()
		s.Version = 0
		s.CreatedAt, s.UpdatedAt = now, now
		if err := putJSON(tx.Bucket(bucketSlots), idKey(s.ID), s); err != nil {
			return err
		}
		return intervals.Put(key, idKey(s.ID))
	})
}

func (r *BoltRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	var s Service
	err := r.view(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketServices), idKey(id), &s)
		if err != nil {
			return err
		}
		if !ok {
			return ErrServiceNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *BoltRepository) GetAvailability(ctx context.Context, serviceID uuid.UUID, date time.Time) (*Availability, error) {
	var a Availability
	err := r.view(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAvailabilityDays).Get(dayKey(serviceID, date))
		if id == nil {
			return ErrAvailabilityNotFound
		}
		ok, err := getJSON(tx.Bucket(bucketAvailabilities), id, &a)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAvailabilityNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *BoltRepository) GetAvailabilityByID(ctx context.Context, id uuid.UUID) (*Availability, error) {
	var a Availability
	err := r.view(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketAvailabilities), idKey(id), &a)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAvailabilityNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *BoltRepository) ListSlotsByAvailability(ctx context.Context, availabilityID uuid.UUID) ([]TimeSlot, error) {
	slots := []TimeSlot{}
	err := r.view(func(tx *bolt.Tx) error {
		prefix := intervalPrefix(availabilityID)
		c := tx.Bucket(bucketSlotIntervals).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var s TimeSlot
			ok, err := getJSON(tx.Bucket(bucketSlots), v, &s)
			if err != nil {
				return err
			}
			if ok {
				slots = append(slots, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *BoltRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	var slot *TimeSlot
	err := r.view(func(tx *bolt.Tx) error {
		var err error
		slot, err = loadSlot(tx, id)
		return err
	})
	return slot, err
}

// Slot transitions

func (r *BoltRepository) ClaimSlot(ctx context.Context, id uuid.UUID, version int64, token uuid.UUID, expiresAt time.Time) (*TimeSlot, error) {
	var slot *TimeSlot
	err := r.update(func(tx *bolt.Tx) error {
		s, err := loadSlot(tx, id)
		if err != nil {
			if err == ErrSlotNotFound {
				return ErrSlotUnavailable
			}
			return err
		}
		if s.Status != SlotAvailable || s.Version != version {
			return ErrSlotUnavailable
		}
		var a Availability
		ok, err := getJSON(tx.Bucket(bucketAvailabilities), idKey(s.AvailabilityID), &a)
		if err != nil {
			return err
		}
		if !ok || !a.IsBookable {
			return ErrSlotUnavailable
		}

		tok := token
		exp := expiresAt.UTC()
		s.Status = SlotBooked
		s.Version++
		s.ClaimToken = &tok
		s.ClaimExpiresAt = &exp
		s.BookingID = nil
		s.UpdatedAt = utcNow()
		if err := putJSON(tx.Bucket(bucketSlots), idKey(s.ID), s); err != nil {
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (r *BoltRepository) BindSlot(ctx context.Context, id, token, bookingID uuid.UUID) (*TimeSlot, error) {
	var slot *TimeSlot
	err := r.update(func(tx *bolt.Tx) error {
		s, err := loadSlot(tx, id)
		if err != nil {
			if err == ErrSlotNotFound {
				return ErrInvalidClaim
			}
			return err
		}
		if s.Status != SlotBooked || s.ClaimToken == nil || *s.ClaimToken != token || s.BookingID != nil {
			return ErrInvalidClaim
		}
		owner := bookingID
		s.BookingID = &owner
		s.ClaimExpiresAt = nil
		s.UpdatedAt = utcNow()
		if err := putJSON(tx.Bucket(bucketSlots), idKey(s.ID), s); err != nil {
			return err
		}
		slot = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (r *BoltRepository) ReleaseClaim(ctx context.Context, id, token uuid.UUID) (bool, error) {
	released := false
	err := r.update(func(tx *bolt.Tx) error {
		s, err := loadSlot(tx, id)
		if err != nil {
			return err
		}
		if s.Status != SlotBooked || s.ClaimToken == nil || *s.ClaimToken != token || s.BookingID != nil {
			return nil
		}
		freeSlot(s, utcNow())
		released = true
		return putJSON(tx.Bucket(bucketSlots), idKey(s.ID), s)
	})
	return released, err
}

func (r *BoltRepository) ReleaseSlotForBooking(ctx context.Context, id, bookingID uuid.UUID) (bool, error) {
	released := false
	err := r.update(func(tx *bolt.Tx) error {
		s, err := loadSlot(tx, id)
		if err != nil {
			return err
		}
		if s.Status != SlotBooked || s.BookingID == nil || *s.BookingID != bookingID {
			return nil
		}
		freeSlot(s, utcNow())
		released = true
		return putJSON(tx.Bucket(bucketSlots), idKey(s.ID), s)
	})
	return released, err
}

func (r *BoltRepository) ExpireClaims(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSlots)
		expired, err := scanAll(b, func(s *TimeSlot) bool {
			return s.Status == SlotBooked && s.BookingID == nil && s.ClaimToken != nil &&
				s.ClaimExpiresAt != nil && s.ClaimExpiresAt.Before(now)
		})
		if err != nil {
			return err
		}
		for i := range expired {
			s := &expired[i]
			freeSlot(s, utcNow())
			if err := putJSON(b, idKey(s.ID), s); err != nil {
				return err
			}
			ids = append(ids, s.ID)
		}
		return nil
	})
	return ids, err
}

// Bookings

func (r *BoltRepository) CreateBooking(ctx context.Context, b *Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Date = DateOnly(b.Date)
	return r.update(func(tx *bolt.Tx) error {
		bookings := tx.Bucket(bucketBookings)
		if bookings.Get(idKey(b.ID)) != nil {
			return ErrAlreadyExists
		}
		live := tx.Bucket(bucketLiveSlotBookings)
		if b.Status != StatusCancelled && live.Get(idKey(b.TimeSlotID)) != nil {
			return ErrAlreadyExists
		}
		intents := tx.Bucket(bucketBookingIntents)
		if b.PaymentIntentID != nil && intents.Get([]byte(*b.PaymentIntentID)) != nil {
			return ErrAlreadyExists
		}

		now := utcNow()
		b.CreatedAt, b.UpdatedAt = now, now
		if err := putJSON(bookings, idKey(b.ID), b); err != nil {
			return err
		}
		if b.Status != StatusCancelled {
			if err := live.Put(idKey(b.TimeSlotID), idKey(b.ID)); err != nil {
				return err
			}
		}
		if b.PaymentIntentID != nil {
			return intents.Put([]byte(*b.PaymentIntentID), idKey(b.ID))
		}
		return nil
	})
}

func (r *BoltRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	var b *Booking
	err := r.view(func(tx *bolt.Tx) error {
		var err error
		b, err = loadBooking(tx, id)
		return err
	})
	return b, err
}

func (r *BoltRepository) GetBookingByPaymentIntent(ctx context.Context, intentID string) (*Booking, error) {
	var b *Booking
	err := r.view(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketBookingIntents).Get([]byte(intentID))
		if id == nil {
			return ErrBookingNotFound
		}
		bookingID, err := uuid.ParseBytes(id)
		if err != nil {
			return err
		}
		b, err = loadBooking(tx, bookingID)
		return err
	})
	return b, err
}

func (r *BoltRepository) ListBookingsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Booking, error) {
	var result []Booking
	err := r.view(func(tx *bolt.Tx) error {
		all, err := scanAll(tx.Bucket(bucketBookings), func(b *Booking) bool { return b.UserID == userID })
		if err != nil {
			return err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
		result = page(all, limit, offset)
		return nil
	})
	return result, err
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (r *BoltRepository) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus, reason *string) (*Booking, error) {
	var updated *Booking
	err := r.update(func(tx *bolt.Tx) error {
		b, err := loadBooking(tx, id)
		if err != nil {
			if err == ErrBookingNotFound {
				return errConcurrentUpdate
			}
			return err
		}
		if b.Status != from {
			return errConcurrentUpdate
		}
		now := utcNow()
		b.Status = to
		b.UpdatedAt = now
		switch to {
		case StatusCancelled:
			b.CancellationReason = reason
			b.CancelledAt = &now
			live := tx.Bucket(bucketLiveSlotBookings)
			if bytes.Equal(live.Get(idKey(b.TimeSlotID)), idKey(b.ID)) {
				if err := live.Delete(idKey(b.TimeSlotID)); err != nil {
					return err
				}
			}
		case StatusConfirmed:
			b.ConfirmedAt = &now
		}
		if err := putJSON(tx.Bucket(bucketBookings), idKey(b.ID), b); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *BoltRepository) UpdateBookingPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Booking, error) {
	var updated *Booking
	err := r.update(func(tx *bolt.Tx) error {
		b, err := loadBooking(tx, id)
		if err != nil {
			if err == ErrBookingNotFound {
				return errConcurrentUpdate
			}
			return err
		}
		if b.PaymentStatus != from {
			return errConcurrentUpdate
		}
		b.PaymentStatus = to
		b.UpdatedAt = utcNow()
		if err := putJSON(tx.Bucket(bucketBookings), idKey(b.ID), b); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *BoltRepository) SetBookingPaymentIntent(ctx context.Context, id uuid.UUID, intentID string) error {
	return r.update(func(tx *bolt.Tx) error {
		b, err := loadBooking(tx, id)
		if err != nil {
			return err
		}
		intents := tx.Bucket(bucketBookingIntents)
		if owner := intents.Get([]byte(intentID)); owner != nil && !bytes.Equal(owner, idKey(id)) {
			return ErrAlreadyExists
		}
		if b.PaymentIntentID != nil && *b.PaymentIntentID != intentID {
			if err := intents.Delete([]byte(*b.PaymentIntentID)); err != nil {
				return err
			}
		}
		intent := intentID
		b.PaymentIntentID = &intent
		b.UpdatedAt = utcNow()
		if err := putJSON(tx.Bucket(bucketBookings), idKey(b.ID), b); err != nil {
			return err
		}
		return intents.Put([]byte(intentID), idKey(b.ID))
	})
}

func (r *BoltRepository) SetBookingInvoice(ctx context.Context, id, invoiceID uuid.UUID) error {
	return r.update(func(tx *bolt.Tx) error {
		b, err := loadBooking(tx, id)
		if err != nil {
			if err == ErrBookingNotFound {
				return errConcurrentUpdate
			}
			return err
		}
		if b.InvoiceID != nil && *b.InvoiceID != invoiceID {
			return errConcurrentUpdate
		}
		inv := invoiceID
		b.InvoiceID = &inv
		b.UpdatedAt = utcNow()
		return putJSON(tx.Bucket(bucketBookings), idKey(b.ID), b)
	})
}

func (r *BoltRepository) FindUnpaidPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Booking, error) {
	var result []Booking
	err := r.view(func(tx *bolt.Tx) error {
		all, err := scanAll(tx.Bucket(bucketBookings), func(b *Booking) bool {
			return b.Status == StatusPending &&
				(b.PaymentStatus == PaymentPending || b.PaymentStatus == PaymentFailed) &&
				b.CreatedAt.Before(cutoff)
		})
		if err != nil {
			return err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
		result = page(all, limit, 0)
		return nil
	})
	return result, err
}

// Payments

func (r *BoltRepository) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketPaymentKeys)
		key := paymentKey(p.ProviderOrderID, p.ProviderPaymentID)
		if keys.Get(key) != nil {
			return ErrAlreadyExists
		}
		now := utcNow()
		p.CreatedAt, p.UpdatedAt = now, now
		if err := putJSON(tx.Bucket(bucketPayments), idKey(p.ID), p); err != nil {
			return err
		}
		return keys.Put(key, idKey(p.ID))
	})
}

func (r *BoltRepository) GetPaymentByProviderIDs(ctx context.Context, orderID, paymentID string) (*Payment, error) {
	var p *Payment
	err := r.view(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPaymentKeys).Get(paymentKey(orderID, paymentID))
		if id == nil {
			return ErrPaymentNotFound
		}
		paymentUUID, err := uuid.ParseBytes(id)
		if err != nil {
			return err
		}
		p, err = loadPayment(tx, paymentUUID)
		return err
	})
	return p, err
}

func (r *BoltRepository) GetPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	var p *Payment
	err := r.view(func(tx *bolt.Tx) error {
		var err error
		p, err = loadPayment(tx, id)
		return err
	})
	return p, err
}

func (r *BoltRepository) ListPaymentsByBooking(ctx context.Context, bookingID uuid.UUID) ([]Payment, error) {
	var result []Payment
	err := r.view(func(tx *bolt.Tx) error {
		var err error
		result, err = scanAll(tx.Bucket(bucketPayments), func(p *Payment) bool {
			return p.BookingID != nil && *p.BookingID == bookingID
		})
		if err != nil {
			return err
		}
		sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
		return nil
	})
	return result, err
}

// ListPaymentsByOrder walks the provider key index, whose keys start with
// the order id.
func (r *BoltRepository) ListPaymentsByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	result := []Payment{}
	err := r.view(func(tx *bolt.Tx) error {
		prefix := paymentKey(orderID, "")
		c := tx.Bucket(bucketPaymentKeys).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			id, err := uuid.ParseBytes(v)
			if err != nil {
				return err
			}
			p, err := loadPayment(tx, id)
			if err != nil {
				return err
			}
			result = append(result, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *BoltRepository) UpdatePayment(ctx context.Context, p *Payment, from PaymentStatus) error {
	return r.update(func(tx *bolt.Tx) error {
		stored, err := loadPayment(tx, p.ID)
		if err != nil {
			if err == ErrPaymentNotFound {
				return errConcurrentUpdate
			}
			return err
		}
		if stored.Status != from {
			return errConcurrentUpdate
		}
		keys := tx.Bucket(bucketPaymentKeys)
		oldKey := paymentKey(stored.ProviderOrderID, stored.ProviderPaymentID)
		newKey := paymentKey(p.ProviderOrderID, p.ProviderPaymentID)
		if !bytes.Equal(oldKey, newKey) {
			if keys.Get(newKey) != nil {
				return errConcurrentUpdate
			}
			if err := keys.Delete(oldKey); err != nil {
				return err
			}
			if err := keys.Put(newKey, idKey(p.ID)); err != nil {
				return err
			}
		}
		p.CreatedAt = stored.CreatedAt
		p.UpdatedAt = utcNow()
		return putJSON(tx.Bucket(bucketPayments), idKey(p.ID), p)
	})
}

// Invoices

func (r *BoltRepository) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	return r.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvoices)
		if b.Get(idKey(inv.BookingID)) != nil {
			return ErrAlreadyExists
		}
		now := utcNow()
		inv.CreatedAt, inv.UpdatedAt = now, now
		return putJSON(b, idKey(inv.BookingID), inv)
	})
}

func (r *BoltRepository) GetInvoiceByBooking(ctx context.Context, bookingID uuid.UUID) (*Invoice, error) {
	var inv Invoice
	err := r.view(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketInvoices), idKey(bookingID), &inv)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvoiceNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Refund obligations

func (r *BoltRepository) CreateRefundObligation(ctx context.Context, ro *RefundObligation) error {
	if ro.ID == uuid.Nil {
		ro.ID = uuid.New()
	}
	return r.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefunds)
		if b.Get(idKey(ro.BookingID)) != nil {
			return ErrAlreadyExists
		}
		now := utcNow()
		ro.CreatedAt, ro.UpdatedAt = now, now
		return putJSON(b, idKey(ro.BookingID), ro)
	})
}

func (r *BoltRepository) GetRefundObligationByBooking(ctx context.Context, bookingID uuid.UUID) (*RefundObligation, error) {
	var ro RefundObligation
	err := r.view(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(bucketRefunds), idKey(bookingID), &ro)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRefundNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ro, nil
}

func (r *BoltRepository) ListRefundObligations(ctx context.Context, status RefundStatus, limit int) ([]RefundObligation, error) {
	var result []RefundObligation
	err := r.view(func(tx *bolt.Tx) error {
		all, err := scanAll(tx.Bucket(bucketRefunds), func(ro *RefundObligation) bool { return ro.Status == status })
		if err != nil {
			return err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
		result = page(all, limit, 0)
		return nil
	})
	return result, err
}

func (r *BoltRepository) UpdateRefundObligation(ctx context.Context, id uuid.UUID, from, to RefundStatus, providerRefundID *string) error {
	return r.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefunds)
		var target *RefundObligation
		err := b.ForEach(func(_, v []byte) error {
			var ro RefundObligation
			if err := json.Unmarshal(v, &ro); err != nil {
				return err
			}
			if ro.ID == id {
				target = &ro
			}
			return nil
		})
		if err != nil {
			return err
		}
		if target == nil || target.Status != from {
			return errConcurrentUpdate
		}
		target.Status = to
		if providerRefundID != nil {
			target.ProviderRefundID = providerRefundID
		}
		target.UpdatedAt = utcNow()
		return putJSON(b, idKey(target.BookingID), target)
	})
}

// Outbox

func (r *BoltRepository) InsertOutboxEvent(ctx context.Context, ev *OutboxEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = OutboxPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = utcNow()
	}
	return r.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketOutbox), idKey(ev.ID), ev)
	})
}

func (r *BoltRepository) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	var result []OutboxEvent
	err := r.view(func(tx *bolt.Tx) error {
		all, err := scanAll(tx.Bucket(bucketOutbox), func(ev *OutboxEvent) bool { return ev.Status == OutboxPending })
		if err != nil {
			return err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
		result = page(all, limit, 0)
		return nil
	})
	return result, err
}

func (r *BoltRepository) MarkOutboxEvent(ctx context.Context, id uuid.UUID, status OutboxStatus, lastErr *string) error {
	return r.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		var ev OutboxEvent
		ok, err := getJSON(b, idKey(id), &ev)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("outbox event %s not found", id)
		}
		ev.Status = status
		ev.Attempts++
		ev.LastError = lastErr
		if status == OutboxPublished {
			now := utcNow()
			ev.PublishedAt = &now
		}
		return putJSON(b, idKey(id), &ev)
	})
}
