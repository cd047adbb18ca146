package bootstrap

import (
	"context"
	"errors"
	"fmt"

	bolt "github.com/boltdb/bolt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/booking"
	"github.com/hackgods/reservation-engine/internal/config"
	"github.com/hackgods/reservation-engine/internal/db"
	"github.com/hackgods/reservation-engine/internal/events"
	"github.com/hackgods/reservation-engine/internal/metrics"
	redisclient "github.com/hackgods/reservation-engine/internal/redis"
)

// Store is the opened booking repository plus the handle behind it.
type Store struct {
	Repo booking.Repository
	pool *pgxpool.Pool
	bolt *bolt.DB
}

// OpenStore opens the repository selected by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*Store, error) {
	switch cfg.StoreDriver {
	case config.DriverBolt:
		bdb, err := db.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		repo, err := booking.NewBoltRepository(bdb)
		if err != nil {
			_ = bdb.Close()
			return nil, fmt.Errorf("init bolt repository: %w", err)
		}
		log.Info("using embedded store", zap.String("path", cfg.BoltPath))
		return &Store{Repo: repo, bolt: bdb}, nil

	case config.DriverPostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMax)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		log.Info("connected to postgres")
		return &Store{Repo: booking.NewPgRepository(pool), pool: pool}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Ping checks the underlying store for the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	if s.bolt != nil {
		return s.bolt.View(func(*bolt.Tx) error { return nil })
	}
	return errors.New("store not open")
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.bolt != nil {
		_ = s.bolt.Close()
	}
}

// OpenRedis connects when Redis is configured. An unreachable Redis is
// logged and treated as absent.
func OpenRedis(ctx context.Context, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.RedisEnabled() {
		return nil
	}
	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Warn("redis unavailable, continuing without slot fence", zap.Error(err))
		return nil
	}
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	return rdb
}

// NewPublisher builds the event sink selected by EVENT_SINK.
func NewPublisher(cfg config.Config, rdb *redis.Client, log *zap.Logger) (events.Publisher, error) {
	switch cfg.EventSink {
	case config.SinkRabbitMQ:
		return events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange)
	case config.SinkRedis:
		if rdb == nil {
			return nil, errors.New("EVENT_SINK=redis needs a reachable Redis")
		}
		return events.NewRedisPublisher(rdb, cfg.RedisChannel), nil
	default:
		return events.NewLogPublisher(log), nil
	}
}

// Engine wires the booking components over one repository.
type Engine struct {
	Calendar   *booking.Calendar
	Allocator  *booking.Allocator
	Invoices   *booking.InvoiceIssuer
	Bookings   *booking.Manager
	Reconciler *booking.Reconciler
}

func NewEngine(cfg config.Config, repo booking.Repository, rdb *redis.Client, log *zap.Logger, m *metrics.Metrics) *Engine {
	var locker redisclient.Locker
	if rdb != nil {
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	}

	alloc := booking.NewAllocator(repo, locker, cfg.ClaimTTL, log.Named("allocator"), m)
	invoices := booking.NewInvoiceIssuer(repo, log.Named("invoices"), m)
	mgr := booking.NewManager(repo, alloc, invoices, cfg.PaymentTTL, log.Named("bookings"), m)

	return &Engine{
		Calendar:   booking.NewCalendar(repo, cfg.ServiceCacheTTL),
		Allocator:  alloc,
		Invoices:   invoices,
		Bookings:   mgr,
		Reconciler: booking.NewReconciler(repo, mgr, log.Named("reconciler"), m),
	}
}
