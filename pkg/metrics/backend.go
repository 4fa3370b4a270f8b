package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics covers the live feed, the reading queue consumer and the
// database pool of the backend.
type BackendMetrics struct {
	LiveFeedRequests *prometheus.CounterVec
	LiveFeedDuration prometheus.Histogram
	LiveFeedInFlight prometheus.Gauge
	LiveFeedGroups   prometheus.Histogram

	ConsumerMessages     *prometheus.CounterVec
	ConsumerRedeliveries prometheus.Counter
	ConsumerLag          prometheus.Histogram
	ProcessingDuration   prometheus.Histogram
	ActiveConsumers      prometheus.Gauge

	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
}

// NewBackendMetrics creates and registers backend service metrics.
func NewBackendMetrics(namespace string) *BackendMetrics {
	m := &BackendMetrics{
		LiveFeedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "livefeed",
				Name:      "requests_total",
				Help:      "Live feed calls by gRPC status code",
			},
			[]string{"code"},
		),
		LiveFeedDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "livefeed",
				Name:      "request_duration_seconds",
				Help:      "Duration of live feed calls",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		LiveFeedInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "livefeed",
				Name:      "requests_in_flight",
				Help:      "Live feed calls being served",
			},
		),
		LiveFeedGroups: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "livefeed",
				Name:      "groups_returned",
				Help:      "Live groups returned per call",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		ConsumerMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Queued readings by outcome",
			},
			[]string{"status"}, // success, invalid, unauthorized, error
		),
		ConsumerRedeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "redeliveries_total",
				Help:      "Readings the broker delivered more than once",
			},
		),
		ConsumerLag: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "lag_seconds",
				Help:      "Time between publishing a reading and consuming it",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		ProcessingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "processing_duration_seconds",
				Help:      "Duration of recording one queued reading",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "active",
				Help:      "Consumers attached to the reading queue",
			},
		),
		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "connections_open",
				Help:      "Open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "connections_in_use",
				Help:      "Database connections in use",
			},
		),
	}

	MustRegister(
		m.LiveFeedRequests,
		m.LiveFeedDuration,
		m.LiveFeedInFlight,
		m.LiveFeedGroups,
		m.ConsumerMessages,
		m.ConsumerRedeliveries,
		m.ConsumerLag,
		m.ProcessingDuration,
		m.ActiveConsumers,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
	)

	return m
}
