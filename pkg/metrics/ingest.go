package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the reading ingestion engine.
type IngestMetrics struct {
	ReadingsTotal         *prometheus.CounterVec
	MeasurementsStored    *prometheus.CounterVec
	MeasurementsDebounced *prometheus.CounterVec
	DuplicatesSkipped     *prometheus.CounterVec
	MetersCreated         prometheus.Counter
	IngestDuration        prometheus.Histogram
}

// NewIngestMetrics creates and registers ingestion metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		ReadingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of readings received",
			},
			[]string{"status"}, // status: success, invalid, error
		),
		MeasurementsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "measurements_stored_total",
				Help:      "Total number of history rows appended",
			},
			[]string{"channel"},
		),
		MeasurementsDebounced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "measurements_debounced_total",
				Help:      "Total number of channel samples only applied to the snapshot",
			},
			[]string{"channel"},
		),
		DuplicatesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duplicates_skipped_total",
				Help:      "Total number of samples skipped because the timestamp was already stored",
			},
			[]string{"channel"},
		),
		MetersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "meters_created_total",
				Help:      "Total number of meters created by ingestion",
			},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Duration of a single reading ingestion",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.ReadingsTotal,
		m.MeasurementsStored,
		m.MeasurementsDebounced,
		m.DuplicatesSkipped,
		m.MetersCreated,
		m.IngestDuration,
	)

	return m
}
