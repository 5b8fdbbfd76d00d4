package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the HTTP API.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sseClients      prometheus.Gauge
	broadcastDrops  prometheus.Counter
	rateLimited     prometheus.Counter
	eventsSent      prometheus.Counter
	dbWriteErrors   prometheus.Counter
	imageRequests   *prometheus.CounterVec
}

// newMetrics registers the HTTP collectors on registry, which also backs the
// /metrics endpoint. A nil registry gets a private one.
func newMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chzzk",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chzzk",
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "broadcast_drops_total",
			Help:      "Number of events dropped due to slow stream clients",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "stream_events_sent_total",
			Help:      "Number of chat events delivered to stream clients",
		}),
		dbWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "db_write_errors_total",
			Help:      "Number of database write errors reported",
		}),
		imageRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chzzk",
			Name:      "image_requests_total",
			Help:      "Image proxy requests by outcome",
		}, []string{"kind", "outcome"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.eventsSent,
		m.dbWriteErrors,
		m.imageRequests,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncSSEClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncEventsSent() {
	if m == nil {
		return
	}
	m.eventsSent.Inc()
}

// IncDBWriteErrors increments the DB write error counter.
func (m *Metrics) IncDBWriteErrors() {
	if m == nil {
		return
	}
	m.dbWriteErrors.Inc()
}

func (m *Metrics) IncImageRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.imageRequests.WithLabelValues(kind, outcome).Inc()
}
