package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
	redisclient "github.com/hackgods/reservation-engine/internal/redis"
)

// Allocator hands out exclusive, time-bounded claims on slots.
type Allocator struct {
	repo     Repository
	locker   redisclient.Locker
	claimTTL time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewAllocator builds an allocator. locker may be nil, in which case every
// caller goes straight to the database compare-and-swap.
func NewAllocator(repo Repository, locker redisclient.Locker, claimTTL time.Duration, log *zap.Logger, m *metrics.Metrics) *Allocator {
	return &Allocator{
		repo:     repo,
		locker:   locker,
		claimTTL: claimTTL,
		log:      logger.OrNop(log),
		metrics:  m,
		now:      time.Now,
	}
}

// Claim moves an AVAILABLE slot to BOOKED under a fresh claim token. Exactly
// one of any number of concurrent callers for the same slot succeeds; the
// rest get ErrSlotUnavailable.
func (a *Allocator) Claim(ctx context.Context, slotID uuid.UUID) (*Claim, error) {
	var claim *Claim
	err := a.guard(ctx, slotID, func(ctx context.Context) error {
		c, err := a.claim(ctx, a.repo, slotID)
		if err != nil {
			return err
		}
		claim = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.Debug("slot claimed",
		zap.String("slot_id", slotID.String()),
		zap.Time("expires_at", claim.ExpiresAt))
	return claim, nil
}

// Release undoes a claim that never produced a booking. It is a no-op once
// the slot has moved on (bound, expired, or claimed again).
func (a *Allocator) Release(ctx context.Context, claim Claim) error {
	released, err := a.repo.ReleaseClaim(ctx, claim.SlotID, claim.Token)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if released {
		a.metrics.ClaimOutcome("released")
	}
	return nil
}

// ExpireClaims frees slots whose claim lapsed without a booking and returns
// how many were freed.
func (a *Allocator) ExpireClaims(ctx context.Context) (int, error) {
	ids, err := a.repo.ExpireClaims(ctx, a.now())
	if err != nil {
		return 0, fmt.Errorf("expire claims: %w", err)
	}
	for _, id := range ids {
		a.log.Info("claim expired", zap.String("slot_id", id.String()))
	}
	a.metrics.Released("claim", len(ids))
	return len(ids), nil
}

// guard runs fn behind the optional cross-process fence and records the
// claim outcome.
func (a *Allocator) guard(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	var err error
	if a.locker != nil {
		err = a.locker.WithSlotLock(ctx, slotID, fn)
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			err = ErrSlotUnavailable
		}
	} else {
		err = fn(ctx)
	}

	switch {
	case err == nil:
		a.metrics.ClaimOutcome("won")
	case errors.Is(err, ErrSlotUnavailable):
		a.metrics.ClaimOutcome("lost")
	default:
		a.metrics.ClaimOutcome("error")
	}
	return err
}

func (a *Allocator) claim(ctx context.Context, repo Repository, slotID uuid.UUID) (*Claim, error) {
	slot, err := repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, err
	}

	avail, err := repo.GetAvailabilityByID(ctx, slot.AvailabilityID)
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	if !avail.IsBookable {
		return nil, ErrSlotNotBookableDay
	}
	if slot.Status != SlotAvailable {
		return nil, ErrSlotUnavailable
	}

	token := uuid.New()
	expiresAt := a.now().Add(a.claimTTL).UTC()

	claimed, err := repo.ClaimSlot(ctx, slot.ID, slot.Version, token, expiresAt)
	if err != nil {
		return nil, err
	}

	return &Claim{
		SlotID:    claimed.ID,
		Token:     token,
		Version:   claimed.Version,
		ExpiresAt: expiresAt,
	}, nil
}
