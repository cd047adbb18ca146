package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ClaimOutcome("won")
		m.Reconciled("paid", "applied")
		m.ObserveHTTP("GET", "/", 200, time.Millisecond)
		m.Released("claim", 3)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")

	m.ClaimOutcome("won")
	m.ClaimOutcome("won")
	m.ClaimOutcome("lost")
	m.ObserveHTTP("POST", "/claims", 409, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SlotClaims.WithLabelValues("won")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlotClaims.WithLabelValues("lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/claims", "4xx")))
}
