package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ClientMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
	registry  *prometheus.Registry
}

// NewClientMetrics registers the outgoing call metrics on a private registry
// so several clients can live in one process (and in tests).
func NewClientMetrics() *ClientMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grepud",
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "Total number of outgoing requests by outcome.",
	}, []string{"service", "method", "path", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grepud",
		Subsystem: "client",
		Name:      "request_duration_ms",
		Help:      "Outgoing request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"service", "path"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(requests, latency)
	return &ClientMetrics{Requests: requests, LatencyMS: latency, registry: reg}
}

// Observe records one finished call. A nil receiver is a no-op.
func (m *ClientMetrics) Observe(service, method, path, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(service, method, path, outcome).Inc()
	m.LatencyMS.WithLabelValues(service, path).Observe(float64(elapsed.Milliseconds()))
}

func (m *ClientMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *ClientMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
