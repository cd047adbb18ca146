package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/booking"
	"github.com/hackgods/reservation-engine/internal/logger"
	"github.com/hackgods/reservation-engine/internal/metrics"
)

type RouterConfig struct {
	Calendar   *booking.Calendar
	Allocator  *booking.Allocator
	Bookings   *booking.Manager
	Invoices   *booking.InvoiceIssuer
	Reconciler *booking.Reconciler

	Checks   []Checker
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	RateLimitRPS   float64
	RateLimitBurst int

	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger.OrNop(cfg.Log), cfg.Metrics))

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))

		r.Get("/services/{id}/availability/{date}", availabilityHandler(cfg.Calendar))
		r.Get("/services/{id}/slots", listSlotsHandler(cfg.Calendar))

		r.Post("/claims", claimSlotHandler(cfg.Allocator))
		r.Delete("/claims/{slotID}", releaseClaimHandler(cfg.Allocator))

		r.Post("/bookings", createBookingHandler(cfg.Bookings))
		r.Get("/bookings/{id}", getBookingHandler(cfg.Bookings))
		r.Post("/bookings/{id}/payments", initiatePaymentHandler(cfg.Bookings))
		r.Get("/bookings/{id}/payments", listPaymentsHandler(cfg.Bookings))
		r.Post("/bookings/{id}/confirm", confirmBookingHandler(cfg.Bookings))
		r.Post("/bookings/{id}/cancel", cancelBookingHandler(cfg.Bookings))
		r.Post("/bookings/{id}/invoice", issueInvoiceHandler(cfg.Invoices))
		r.Get("/users/{id}/bookings", listUserBookingsHandler(cfg.Bookings))

		r.Post("/webhooks/payments", paymentWebhookHandler(cfg.Reconciler))
	})

	return r
}
