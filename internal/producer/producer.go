// Package producer simulates a fleet of GPX connectors publishing readings
// to the reading queue.
package producer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/smartmeter/pkg/generator"
	"procodus.dev/smartmeter/pkg/gpx"
	"procodus.dev/smartmeter/pkg/metrics"
	"procodus.dev/smartmeter/pkg/mq"
)

// Producer is one simulated connector. It reports for every meter of its
// user on each tick.
type Producer struct {
	MQClient mq.Publisher
	APIKey   string
	Meters   []*generator.Meter

	mu      sync.Mutex
	now     func() time.Time
	metrics *metrics.GeneratorMetrics // Optional metrics
}

// NewProducer creates a connector with one to three simulated meters.
// Note: Uses math/rand for the meter count which is acceptable for simulation data.
func NewProducer(mqClient mq.Publisher, apiKey string, loc *time.Location) *Producer {
	meterCount := rand.Intn(3) + 1 // #nosec G404 - weak random is acceptable for test data generation
	meters := make([]*generator.Meter, 0, meterCount)
	for range meterCount {
		meters = append(meters, generator.NewMeter(loc))
	}

	return &Producer{
		MQClient: mqClient,
		APIKey:   apiKey,
		Meters:   meters,
		now:      time.Now,
	}
}

// SetMetrics sets the metrics collector for this producer.
func (p *Producer) SetMetrics(m *metrics.GeneratorMetrics) {
	p.metrics = m
	if m != nil {
		m.MetersSimulated.Add(float64(len(p.Meters)))
	}
}

// Publish advances every meter to the current time and pushes one envelope
// per meter. It stops at the first failure.
func (p *Producer) Publish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, m := range p.Meters {
		if err := p.publish(ctx, m, now); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, m *generator.Meter, now time.Time) error {
	if p.metrics != nil {
		timer := prometheus.NewTimer(p.metrics.GenerationDuration.WithLabelValues("reading"))
		defer timer.ObserveDuration()
	}

	reading := m.Reading(now)
	message, err := gpx.NewEnvelope(p.APIKey, m.Version, reading)
	if err != nil {
		if p.metrics != nil {
			p.metrics.GenerationFailures.WithLabelValues("reading", "marshal_error").Inc()
		}
		return fmt.Errorf("failed to build envelope for %s: %w", m.PowerSerial, err)
	}

	if err := p.MQClient.Push(ctx, message); err != nil {
		if p.metrics != nil {
			p.metrics.GenerationFailures.WithLabelValues("reading", "push_error").Inc()
		}
		return fmt.Errorf("failed to push reading for %s: %w", m.PowerSerial, err)
	}

	if p.metrics != nil {
		p.metrics.MessagesGenerated.WithLabelValues("reading").Inc()
		p.metrics.ReadingsPublished.WithLabelValues("power").Inc()
		if reading.Gas != nil {
			p.metrics.ReadingsPublished.WithLabelValues("gas").Inc()
		}
		if reading.Solar != nil {
			p.metrics.ReadingsPublished.WithLabelValues("solar").Inc()
		}
	}

	return nil
}
