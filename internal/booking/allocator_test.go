package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/reservation-engine/internal/redis"
)

func TestClaimConcurrentExactlyOneWins(t *testing.T) {
	e := newEngine(t)
	c := seedDay(t, e.repo, 1)
	slotID := c.slots[0].ID

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Claim
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claim, err := e.alloc.Claim(context.Background(), slotID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, claim)
			case errors.Is(err, ErrSlotUnavailable):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, callers-1, losers)

	slot, err := e.repo.GetSlotByID(context.Background(), slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, slot.Status)
	require.NotNil(t, slot.ClaimToken)
	assert.Equal(t, winners[0].Token, *slot.ClaimToken)
	assert.Equal(t, winners[0].Version, slot.Version)
}

func TestClaimPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown slot", func(t *testing.T) {
		e := newEngine(t)
		_, err := e.alloc.Claim(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrSlotNotFound)
	})

	t.Run("day not bookable", func(t *testing.T) {
		e := newEngine(t)
		c := seedDayWith(t, e.repo, 1, true, false)
		_, err := e.alloc.Claim(ctx, c.slots[0].ID)
		assert.ErrorIs(t, err, ErrSlotNotBookableDay)
	})

	t.Run("already booked", func(t *testing.T) {
		e := newEngine(t)
		c := seedDay(t, e.repo, 1)
		_, err := e.alloc.Claim(ctx, c.slots[0].ID)
		require.NoError(t, err)

		_, err = e.alloc.Claim(ctx, c.slots[0].ID)
		assert.ErrorIs(t, err, ErrSlotUnavailable)
	})

	t.Run("blocked slot", func(t *testing.T) {
		e := newEngine(t)
		c := seedDay(t, e.repo, 0)
		blocked := &TimeSlot{
			AvailabilityID: c.availability.ID,
			StartTime:      testDay.Add(20 * time.Hour),
			EndTime:        testDay.Add(21 * time.Hour),
			Status:         SlotBlocked,
		}
		require.NoError(t, e.repo.CreateTimeSlot(ctx, blocked))

		_, err := e.alloc.Claim(ctx, blocked.ID)
		assert.ErrorIs(t, err, ErrSlotUnavailable)
	})
}

func TestClaimStaleVersionLoses(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)

	_, err := e.repo.ClaimSlot(ctx, c.slots[0].ID, c.slots[0].Version+1, uuid.New(), time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestReleaseReturnsSlot(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)

	claim, err := e.alloc.Claim(ctx, c.slots[0].ID)
	require.NoError(t, err)
	require.NoError(t, e.alloc.Release(ctx, *claim))

	slot, err := e.repo.GetSlotByID(ctx, claim.SlotID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status)
	assert.Nil(t, slot.ClaimToken)
	assert.Greater(t, slot.Version, claim.Version)

	// a stale release must not free a slot someone else claimed since
	again, err := e.alloc.Claim(ctx, claim.SlotID)
	require.NoError(t, err)
	require.NoError(t, e.alloc.Release(ctx, *claim))

	slot, err = e.repo.GetSlotByID(ctx, claim.SlotID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, slot.Status)
	assert.Equal(t, again.Token, *slot.ClaimToken)
}

func TestReleaseAfterBindIsNoop(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 1)

	claim, err := e.alloc.Claim(ctx, c.slots[0].ID)
	require.NoError(t, err)
	b, err := e.bookings.Create(ctx, CreateRequest{Claim: *claim, UserID: uuid.New()})
	require.NoError(t, err)

	require.NoError(t, e.alloc.Release(ctx, *claim))

	slot, err := e.repo.GetSlotByID(ctx, claim.SlotID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, slot.Status)
	require.NotNil(t, slot.BookingID)
	assert.Equal(t, b.ID, *slot.BookingID)
}

func TestExpireClaims(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := seedDay(t, e.repo, 2)

	stale, err := e.alloc.Claim(ctx, c.slots[0].ID)
	require.NoError(t, err)
	e.book(t, c.slots[1])

	e.setClock(stale.ExpiresAt.Add(time.Second))
	n, err := e.alloc.ExpireClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	freed, err := e.repo.GetSlotByID(ctx, c.slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, freed.Status)

	bound, err := e.repo.GetSlotByID(ctx, c.slots[1].ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, bound.Status)
}

type busyLocker struct{}

func (busyLocker) WithSlotLock(context.Context, uuid.UUID, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type passLocker struct{ calls int }

func (l *passLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	l.calls++
	return fn(ctx)
}

func TestClaimBehindFence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	c := seedDay(t, repo, 1)

	busy := NewAllocator(repo, busyLocker{}, time.Minute, nil, nil)
	_, err := busy.Claim(ctx, c.slots[0].ID)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	lock := &passLocker{}
	open := NewAllocator(repo, lock, time.Minute, nil, nil)
	claim, err := open.Claim(ctx, c.slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, lock.calls)
	assert.Equal(t, c.slots[0].ID, claim.SlotID)
}
