package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Calendar answers availability questions. It never mutates.
type Calendar struct {
	repo     Repository
	services *cache.Cache
}

// NewCalendar caches services for cacheTTL; a non-positive TTL disables the
// cache.
func NewCalendar(repo Repository, cacheTTL time.Duration) *Calendar {
	c := &Calendar{repo: repo}
	if cacheTTL > 0 {
		c.services = cache.New(cacheTTL, 2*cacheTTL)
	}
	return c
}

func (c *Calendar) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	if c.services != nil {
		if v, ok := c.services.Get(id.String()); ok {
			svc := *v.(*Service)
			return &svc, nil
		}
	}

	svc, err := c.repo.GetServiceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.services != nil {
		cached := *svc
		c.services.SetDefault(id.String(), &cached)
	}
	return svc, nil
}

// GetAvailability returns ErrAvailabilityNotFound when the service has no
// calendar entry for date.
func (c *Calendar) GetAvailability(ctx context.Context, serviceID uuid.UUID, date time.Time) (*Availability, error) {
	return c.repo.GetAvailability(ctx, serviceID, DateOnly(date))
}

// GetBookableSlots lists AVAILABLE slots of date ordered by start time. A
// missing, inactive or unbookable day yields an empty slice.
func (c *Calendar) GetBookableSlots(ctx context.Context, serviceID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	slots := []TimeSlot{}

	svc, err := c.GetService(ctx, serviceID)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return slots, nil
		}
		return nil, fmt.Errorf("load service: %w", err)
	}
	if !svc.IsActive {
		return slots, nil
	}

	avail, err := c.GetAvailability(ctx, serviceID, date)
	if err != nil {
		if errors.Is(err, ErrAvailabilityNotFound) {
			return slots, nil
		}
		return nil, fmt.Errorf("load availability: %w", err)
	}
	if !avail.IsBookable {
		return slots, nil
	}

	all, err := c.repo.ListSlotsByAvailability(ctx, avail.ID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	for _, s := range all {
		if s.Status == SlotAvailable {
			slots = append(slots, s)
		}
	}
	return slots, nil
}

// ListSlots returns every slot of date regardless of status.
func (c *Calendar) ListSlots(ctx context.Context, serviceID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	avail, err := c.GetAvailability(ctx, serviceID, date)
	if err != nil {
		return nil, err
	}
	return c.repo.ListSlotsByAvailability(ctx, avail.ID)
}

func (c *Calendar) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	return c.repo.GetSlotByID(ctx, id)
}
