package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/bootstrap"
	"github.com/hackgods/reservation-engine/internal/config"
	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
	"github.com/hackgods/reservation-engine/internal/payments"
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

	if cfg.StripeSecretKey == "" {
		log.Fatal("STRIPE_SECRET_KEY is required for the refund worker")
	}

	log.Info("refund-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(rootCtx, 10*time.Second)
	store, err := bootstrap.OpenStore(openCtx, cfg, log)
	cancelOpen()
	if err != nil {
		log.Fatal("store open error", zap.Error(err))
	}
	defer store.Close()

	m := metrics.New(prometheus.DefaultRegisterer, "reservation")
	dispatcher := payments.NewDispatcher(
		store.Repo,
		payments.NewStripeRefunder(cfg.StripeSecretKey),
		0,
		log.Named("refunds"),
		m,
	)

	if n, err := dispatcher.RunOnce(rootCtx); err != nil {
		log.Error("initial refund pass failed", zap.Error(err))
	} else if n > 0 {
		log.Info("initial refund pass", zap.Int("submitted", n))
	}

	dispatcher.Start(rootCtx, cfg.WorkerInterval)
	log.Info("refund-worker stopped")
}
