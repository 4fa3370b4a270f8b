package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the RabbitMQ client.
type MQMetrics struct {
	MessagesPushed    *prometheus.CounterVec
	PushFailures      *prometheus.CounterVec
	PushNacks         *prometheus.CounterVec
	PushDuration      *prometheus.HistogramVec
	ReconnectAttempts *prometheus.CounterVec
	ConnectedClients  *prometheus.GaugeVec
}

// NewMQMetrics creates and registers MQ client metrics. Every series is
// labelled with the queue so the generator's many clients add up.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_pushed_total",
				Help:      "Total number of confirmed pushes",
			},
			[]string{"queue"},
		),
		PushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_failures_total",
				Help:      "Total number of pushes given up on",
			},
			[]string{"queue", "reason"}, // reason: max_retries_exceeded, context_canceled, shutdown
		),
		PushNacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_nacks_total",
				Help:      "Total number of pushes the broker did not acknowledge",
			},
			[]string{"queue"},
		),
		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_duration_seconds",
				Help:      "Duration of confirmed pushes including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of connection attempts",
			},
			[]string{"queue"},
		),
		ConnectedClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connected_clients",
				Help:      "Number of clients with a ready channel",
			},
			[]string{"queue"},
		),
	}

	MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.PushNacks,
		m.PushDuration,
		m.ReconnectAttempts,
		m.ConnectedClients,
	)

	return m
}
