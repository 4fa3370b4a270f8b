package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/gpx"
	"procodus.dev/smartmeter/pkg/logger"
	"procodus.dev/smartmeter/pkg/metrics"
	"procodus.dev/smartmeter/pkg/mq"
)

const consumerTag = "smartmeter-backend"

// Consumer consumes connector readings from RabbitMQ and records them with
// the ingestion engine.
type Consumer struct {
	logger   *slog.Logger
	store    *meter.Store
	engine   *meter.Engine
	mqClient mq.Subscriber
	metrics  *metrics.BackendMetrics
	done     chan struct{}
	started  bool
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger  *slog.Logger
	Store   *meter.Store
	Engine  *meter.Engine
	Metrics *metrics.BackendMetrics
	// MQMetrics is attached to the RabbitMQ client when one is created here.
	MQMetrics *metrics.MQMetrics
	// Prefetch bounds unacknowledged readings; 0 keeps the client default.
	Prefetch int
	// MQClient replaces the RabbitMQ connection, mainly for tests.
	MQClient    mq.Subscriber
	RabbitMQURL string
	QueueName   string
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Engine == nil {
		return nil, errors.New("engine cannot be nil")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	log := logger.Component(cfg.Logger, "consumer").With(slog.String("queue", cfg.QueueName))

	client := cfg.MQClient
	if client == nil {
		if cfg.RabbitMQURL == "" {
			return nil, errors.New("rabbitmq URL cannot be empty")
		}
		var err error
		client, err = mq.NewWithConfig(&mq.Config{
			QueueName:   cfg.QueueName,
			URL:         cfg.RabbitMQURL,
			Logger:      log,
			Durable:     true,
			Prefetch:    cfg.Prefetch,
			ConsumerTag: consumerTag,
			Metrics:     cfg.MQMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq client: %w", err)
		}
	}

	return &Consumer{
		logger:   log,
		store:    cfg.Store,
		engine:   cfg.Engine,
		mqClient: client,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}, nil
}

// Start begins consuming messages from RabbitMQ.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	deliveries, err := c.consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages")

	if c.metrics != nil {
		c.metrics.ActiveConsumers.Inc()
	}

	// Process messages in a goroutine
	c.started = true
	go c.processMessages(ctx, deliveries)

	return nil
}

// consume retries until the client has connected, which happens in the
// background.
func (c *Consumer) consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	const attempts = 10
	var err error
	for i := 0; i < attempts; i++ {
		var deliveries <-chan amqp.Delivery
		if deliveries, err = c.mqClient.Consume(); err == nil {
			return deliveries, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, err
}

// processMessages processes incoming messages from the deliveries channel.
func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	defer func() {
		if c.metrics != nil {
			c.metrics.ActiveConsumers.Dec()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery processes a single message delivery. Messages that can
// never succeed are acked and dropped; storage failures are requeued.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.ProcessingDuration)
		defer timer.ObserveDuration()

		if delivery.Redelivered {
			c.metrics.ConsumerRedeliveries.Inc()
		}
		if !delivery.Timestamp.IsZero() {
			c.metrics.ConsumerLag.Observe(time.Since(delivery.Timestamp).Seconds())
		}
	}

	status, err := c.record(ctx, delivery.Body)
	c.count(status)

	switch status {
	case "success":
		if err := delivery.Ack(false); err != nil {
			c.logger.Error("failed to ack message", "error", err)
		}
	case "error":
		c.logger.Error("failed to record reading, requeueing", "error", err, "message_id", delivery.MessageId)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
	default:
		c.logger.Warn("dropping message", "status", status, "error", err, "message_id", delivery.MessageId)
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
	}
}

// record ingests one envelope and classifies the outcome as success,
// invalid, unauthorized or error.
func (c *Consumer) record(ctx context.Context, body []byte) (string, error) {
	env, err := gpx.DecodeEnvelope(body)
	if err != nil {
		return "invalid", err
	}

	user, err := c.store.UserByAPIKey(ctx, env.APIKey)
	if errors.Is(err, meter.ErrNotFound) {
		return "unauthorized", errors.New("unknown api key")
	}
	if err != nil {
		return "error", err
	}

	p, err := meter.DecodeReading(env.Reading)
	if err != nil {
		return "invalid", err
	}

	m, res, err := c.engine.Ingest(ctx, *user, p, env.UserAgent)
	var verr *meter.ValidationError
	if errors.As(err, &verr) {
		return "invalid", err
	}
	if err != nil {
		return "error", err
	}

	c.logger.Debug("reading recorded",
		"user_id", user.ID,
		"meter_id", m.ID,
		"created", res.Created,
	)
	return "success", nil
}

func (c *Consumer) count(status string) {
	if c.metrics != nil {
		c.metrics.ConsumerMessages.WithLabelValues(status).Inc()
	}
}

// Stop stops the consumer and closes the MQ client.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	// Close MQ client
	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	// Wait for message processing to complete
	if c.started {
		<-c.done
	}

	c.logger.Info("consumer stopped")
	return nil
}
