package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotLockKeyIsPerSlot(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	assert.Equal(t, "reservation:slot-fence:"+a.String(), slotLockKey(a))
	assert.NotEqual(t, slotLockKey(a), slotLockKey(b))
}

func TestNewRedisClientFailsFastWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb, err := NewRedisClient(ctx, Options{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Nil(t, rdb)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}
