package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/booking"
	"github.com/hackgods/reservation-engine/internal/bootstrap"
	"github.com/hackgods/reservation-engine/internal/config"
	"github.com/hackgods/reservation-engine/internal/events"
	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.String("event_sink", cfg.EventSink))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(rootCtx, 10*time.Second)
	store, err := bootstrap.OpenStore(openCtx, cfg, log)
	cancelOpen()
	if err != nil {
		log.Fatal("store open error", zap.Error(err))
	}
	defer store.Close()

	rdb := bootstrap.OpenRedis(rootCtx, cfg, log)
	if rdb != nil {
		defer rdb.Close()
	}

	pub, err := bootstrap.NewPublisher(cfg, rdb, log.Named("events"))
	if err != nil {
		log.Fatal("event sink error", zap.Error(err))
	}
	defer pub.Close()

	m := metrics.New(prometheus.DefaultRegisterer, "reservation")
	eng := bootstrap.NewEngine(cfg, store.Repo, rdb, log, m)
	relay := events.NewRelay(store.Repo, pub, events.RelayConfig{}, log.Named("relay"), m)

	// Run once at startup
	runOnce(rootCtx, log, eng.Bookings)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Start(rootCtx, cfg.OutboxInterval)
	}()

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping expiry worker")
			wg.Wait()
			return
		case <-ticker.C:
			runOnce(rootCtx, log, eng.Bookings)
		}
	}
}

func runOnce(ctx context.Context, log *zap.Logger, mgr *booking.Manager) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	if err := mgr.Reap(runCtx); err != nil {
		log.Error("expiry run error", zap.Error(err))
		return
	}
	log.Debug("expiry run complete", zap.Duration("took", time.Since(start)))
}
