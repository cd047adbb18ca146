package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBookableSlotsOrderedAndFiltered(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 3)

	_, err := e.alloc.Claim(ctx, c.slots[1].ID)
	require.NoError(t, err)

	slots, err := e.calendar.GetBookableSlots(ctx, c.service.ID, testDay)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, c.slots[0].ID, slots[0].ID)
	assert.Equal(t, c.slots[2].ID, slots[1].ID)
	assert.True(t, slots[0].StartTime.Before(slots[1].StartTime))
}

func TestGetBookableSlotsEmptyCases(t *testing.T) {
	ctx := context.Background()

	t.Run("no availability", func(t *testing.T) {
		e := newEngine(t)
		c := seedDay(t, e.repo, 2)

		slots, err := e.calendar.GetBookableSlots(ctx, c.service.ID, testDay.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.NotNil(t, slots)
		assert.Empty(t, slots)
	})

	t.Run("day not bookable", func(t *testing.T) {
		e := newEngine(t)
		c := seedDayWith(t, e.repo, 2, true, false)

		slots, err := e.calendar.GetBookableSlots(ctx, c.service.ID, testDay)
		require.NoError(t, err)
		assert.Empty(t, slots)
	})

	t.Run("service inactive", func(t *testing.T) {
		e := newEngine(t)
		c := seedDayWith(t, e.repo, 2, false, true)

		slots, err := e.calendar.GetBookableSlots(ctx, c.service.ID, testDay)
		require.NoError(t, err)
		assert.Empty(t, slots)
	})

	t.Run("unknown service", func(t *testing.T) {
		e := newEngine(t)

		slots, err := e.calendar.GetBookableSlots(ctx, uuid.New(), testDay)
		require.NoError(t, err)
		assert.NotNil(t, slots)
		assert.Empty(t, slots)
	})
}

func TestGetAvailabilityNotFound(t *testing.T) {
	e := newEngine(t)
	c := seedDay(t, e.repo, 1)

	_, err := e.calendar.GetAvailability(context.Background(), c.service.ID, testDay.AddDate(0, 1, 0))
	assert.ErrorIs(t, err, ErrAvailabilityNotFound)

	avail, err := e.calendar.GetAvailability(context.Background(), c.service.ID, testDay.Add(15*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, c.availability.ID, avail.ID)
}

func TestGetServiceIsCached(t *testing.T) {
	repo := newTestRepo(t)
	c := seedDay(t, repo, 0)
	cal := NewCalendar(repo, time.Minute)

	first, err := cal.GetService(context.Background(), c.service.ID)
	require.NoError(t, err)

	first.Title = "mutated by caller"
	second, err := cal.GetService(context.Background(), c.service.ID)
	require.NoError(t, err)
	assert.Equal(t, "Forest bathing walk", second.Title)

	_, err = cal.GetService(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestCatalogUniqueness(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := seedDay(t, repo, 1)

	err := repo.CreateAvailability(ctx, &Availability{ServiceID: c.service.ID, Date: testDay, IsBookable: true})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	dup := &TimeSlot{
		AvailabilityID: c.availability.ID,
		StartTime:      c.slots[0].StartTime,
		EndTime:        c.slots[0].EndTime,
	}
	assert.ErrorIs(t, repo.CreateTimeSlot(ctx, dup), ErrAlreadyExists)
}
