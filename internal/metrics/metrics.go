package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all engine metrics. A nil *Metrics is valid and records
// nothing, which keeps tests and tools free of registry setup.
type Metrics struct {
	SlotClaims          *prometheus.CounterVec
	BookingTransitions  *prometheus.CounterVec
	Reconciliations     *prometheus.CounterVec
	InvoicesIssued      prometheus.Counter
	ReaperReleased      *prometheus.CounterVec
	OutboxEventsRelayed *prometheus.CounterVec
	OutboxQueueSize     prometheus.Gauge
	RefundsDispatched   *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPLatency         *prometheus.HistogramVec
}

// New registers all metrics on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SlotClaims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_claims_total",
			Help:      "Slot claim attempts by outcome",
		}, []string{"outcome"}),
		BookingTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking status transitions",
		}, []string{"to"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconciliations_total",
			Help:      "Provider events applied by status and outcome",
		}, []string{"status", "outcome"}),
		InvoicesIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_issued_total",
			Help:      "Invoices created",
		}),
		ReaperReleased: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_released_total",
			Help:      "Claims and bookings released by the expiry worker",
		}, []string{"kind"}),
		OutboxEventsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_relayed_total",
			Help:      "Outbox events handed to the event sink",
		}, []string{"event_type", "status"}),
		OutboxQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_queue_size",
			Help:      "Pending outbox events seen by the last relay pass",
		}),
		RefundsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_dispatched_total",
			Help:      "Refund obligations submitted to the provider",
		}, []string{"status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ClaimOutcome(outcome string) {
	if m == nil {
		return
	}
	m.SlotClaims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BookingTransition(to string) {
	if m == nil {
		return
	}
	m.BookingTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Reconciled(status, outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) InvoiceIssued() {
	if m == nil {
		return
	}
	m.InvoicesIssued.Inc()
}

func (m *Metrics) Released(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReaperReleased.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) OutboxRelayed(eventType, status string) {
	if m == nil {
		return
	}
	m.OutboxEventsRelayed.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) OutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxQueueSize.Set(float64(n))
}

func (m *Metrics) RefundDispatched(status string) {
	if m == nil {
		return
	}
	m.RefundsDispatched.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusLabel(code)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
