package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GeneratorMetrics contains Prometheus metrics for the simulated connector fleet.
type GeneratorMetrics struct {
	MessagesGenerated  *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	ActiveConnectors   prometheus.Gauge
	MetersSimulated    prometheus.Counter
	ReadingsPublished  *prometheus.CounterVec
}

// NewGeneratorMetrics creates and registers generator metrics.
func NewGeneratorMetrics(namespace string) *GeneratorMetrics {
	m := &GeneratorMetrics{
		MessagesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "messages_generated_total",
				Help:      "Total number of envelopes generated",
			},
			[]string{"type"},
		),
		GenerationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "generation_failures_total",
				Help:      "Total number of envelope generation failures",
			},
			[]string{"type", "reason"}, // reason: marshal_error, push_error
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "generation_duration_seconds",
				Help:      "Duration of reading generation and publishing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		ActiveConnectors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "active_connectors",
				Help:      "Number of currently running simulated connectors",
			},
		),
		MetersSimulated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "meters_simulated_total",
				Help:      "Total number of simulated meters created",
			},
		),
		ReadingsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "readings_published_total",
				Help:      "Total number of published readings per channel",
			},
			[]string{"channel"}, // channel: power, gas, solar
		),
	}

	MustRegister(
		m.MessagesGenerated,
		m.GenerationFailures,
		m.GenerationDuration,
		m.ActiveConnectors,
		m.MetersSimulated,
		m.ReadingsPublished,
	)

	return m
}
