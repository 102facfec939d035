package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds the relay's Prometheus metrics on a private registry,
// so several servers can coexist in one process (tests).
type MetricsRegistry struct {
	registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	Requests        *prometheus.CounterVec

	Signals           *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	FillConfirmations *prometheus.CounterVec
	StoreErrors       *prometheus.CounterVec
	StreamSubscribers prometheus.Gauge
}

func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copyrelay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"route", "method"},
		),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copyrelay_http_requests_total",
				Help: "Total HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),

		Signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copyrelay_signals_total",
				Help: "Master signals by action and outcome",
			},
			[]string{"action", "status"},
		),

		AuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copyrelay_auth_failures_total",
				Help: "Rejected requests by key role",
			},
			[]string{"role"},
		),

		FillConfirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copyrelay_fill_confirmations_total",
				Help: "Slave fill confirmations by outcome",
			},
			[]string{"status"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copyrelay_store_errors_total",
				Help: "Failed ledger operations by operation name",
			},
			[]string{"op"},
		),

		StreamSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "copyrelay_stream_subscribers",
				Help: "Connected change feed subscribers",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestDuration,
		m.Requests,
		m.Signals,
		m.AuthFailures,
		m.FillConfirmations,
		m.StoreErrors,
		m.StreamSubscribers,
	)
	return m
}

func (m *MetricsRegistry) Registry() *prometheus.Registry { return m.registry }

// MetricsHandler serves the registry in the Prometheus exposition format.
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsRegistry) SignalApplied(action, status string) {
	m.Signals.WithLabelValues(action, status).Inc()
}

func (m *MetricsRegistry) AuthFailed(role string) {
	m.AuthFailures.WithLabelValues(role).Inc()
}

func (m *MetricsRegistry) FillConfirmed(status string) {
	m.FillConfirmations.WithLabelValues(status).Inc()
}

func (m *MetricsRegistry) StoreFailed(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *MetricsRegistry) StreamOpened() { m.StreamSubscribers.Inc() }

func (m *MetricsRegistry) StreamClosed() { m.StreamSubscribers.Dec() }
