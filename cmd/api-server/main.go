package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/api"
	"github.com/hackgods/reservation-engine/internal/bootstrap"
	"github.com/hackgods/reservation-engine/internal/config"
	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
)

var version = "dev"

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

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreDriver))

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
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "reservation")

	eng := bootstrap.NewEngine(cfg, store.Repo, rdb, log, m)

	checks := []api.Checker{{Name: cfg.StoreDriver, Ping: store.Ping}}
	if rdb != nil {
		checks = append(checks, api.Checker{
			Name:     "redis",
			Optional: true,
			Ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	handler := api.NewRouter(api.RouterConfig{
		Calendar:       eng.Calendar,
		Allocator:      eng.Allocator,
		Bookings:       eng.Bookings,
		Invoices:       eng.Invoices,
		Reconciler:     eng.Reconciler,
		Checks:         checks,
		Log:            log.Named("http"),
		Metrics:        m,
		Gatherer:       reg,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Env:            cfg.Env,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
