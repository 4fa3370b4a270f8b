package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics covers the HTTP API and the public dashboard. Routes are the
// mux patterns, so the method is part of the route label.
type APIMetrics struct {
	Requests       *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	InFlight       prometheus.Gauge
	ResponseSize   *prometheus.HistogramVec
	AuthFailures   *prometheus.CounterVec
	RenderDuration prometheus.Histogram
	RenderErrors   prometheus.Counter
}

// NewAPIMetrics creates and registers HTTP API metrics.
func NewAPIMetrics(namespace string) *APIMetrics {
	m := &APIMetrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "HTTP requests being served",
			},
		),
		ResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "response_size_bytes",
				Help:      "Size of HTTP response bodies by route",
				Buckets:   prometheus.ExponentialBuckets(64, 8, 7),
			},
			[]string{"route"},
		),
		AuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "auth_failures_total",
				Help:      "Rejected requests by reason",
			},
			[]string{"reason"}, // unauthenticated, forbidden, token
		),
		RenderDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "render_duration_seconds",
				Help:      "Duration of rendering the public group dashboard",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RenderErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "render_errors_total",
				Help:      "Dashboard renders that failed",
			},
		),
	}

	MustRegister(
		m.Requests,
		m.Duration,
		m.InFlight,
		m.ResponseSize,
		m.AuthFailures,
		m.RenderDuration,
		m.RenderErrors,
	)

	return m
}
