package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/config"
	"github.com/hackgods/reservation-engine/internal/events"
)

func TestOpenBoltStoreAndEngine(t *testing.T) {
	cfg := config.Config{
		StoreDriver: config.DriverBolt,
		BoltPath:    filepath.Join(t.TempDir(), "engine.db"),
		ClaimTTL:    time.Minute,
		PaymentTTL:  time.Hour,
		EventSink:   config.SinkLog,
	}
	ctx := context.Background()

	store, err := OpenStore(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Ping(ctx))

	assert.Nil(t, OpenRedis(ctx, cfg, zap.NewNop()))

	eng := NewEngine(cfg, store.Repo, nil, zap.NewNop(), nil)
	assert.NotNil(t, eng.Bookings)
	assert.NotNil(t, eng.Reconciler)

	pub, err := NewPublisher(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &events.LogPublisher{}, pub)
}

func TestRedisSinkNeedsRedis(t *testing.T) {
	_, err := NewPublisher(config.Config{EventSink: config.SinkRedis}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.Config{StoreDriver: "mongo"}, zap.NewNop())
	assert.Error(t, err)
}
