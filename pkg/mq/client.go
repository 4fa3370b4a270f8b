// Package mq provides the RabbitMQ client that carries connector readings
// from the generator to the backend. It reconnects on its own and confirms
// every push.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/smartmeter/pkg/metrics"
)

const (
	// DefaultPrefetch is the number of unacknowledged readings a consumer holds.
	DefaultPrefetch = 10

	// DefaultAppID is stamped on published messages.
	DefaultAppID = "smartmeter"

	reconnectDelay = 5 * time.Second
	reInitDelay    = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Config configures a Client.
type Config struct {
	QueueName string
	URL       string
	Logger    *slog.Logger

	// Durable declares a durable queue and publishes persistent messages.
	Durable bool
	// Prefetch limits unacknowledged deliveries per consumer; 0 means DefaultPrefetch.
	Prefetch int
	// ConsumerTag names the consumer on the broker; empty lets the broker pick.
	ConsumerTag string
	// AppID is stamped on every published message; empty means DefaultAppID.
	AppID string

	Metrics *metrics.MQMetrics
}

// Client keeps one AMQP connection and channel bound to a single queue.
type Client struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	connection      *amqp.Connection
	channel         *amqp.Channel
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	closed          bool

	done chan struct{}
}

// New creates a client for the durable reading queue and starts connecting
// in the background.
func New(queueName, addr string, l *slog.Logger) *Client {
	return start(Config{
		QueueName: queueName,
		URL:       addr,
		Logger:    l,
		Durable:   true,
	})
}

// NewWithConfig validates cfg and starts connecting in the background.
func NewWithConfig(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}
	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Prefetch < 0 {
		return nil, errors.New("prefetch cannot be negative")
	}
	return start(*cfg), nil
}

func start(cfg Config) *Client {
	if cfg.Prefetch == 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID
	}
	c := &Client{
		cfg:  cfg,
		log:  cfg.Logger.With(slog.String("queue", cfg.QueueName)),
		done: make(chan struct{}),
	}
	go c.handleReconnect()
	return c
}

// SetMetrics attaches collectors. Call it before the first push.
func (c *Client) SetMetrics(m *metrics.MQMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Metrics = m
}

// QueueName returns the queue the client is bound to.
func (c *Client) QueueName() string {
	return c.cfg.QueueName
}

// Ready reports whether the channel is usable.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isReady
}

func (c *Client) metrics() *metrics.MQMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Metrics
}

// setReady flips the ready flag and keeps the connected gauge in step.
// Callers hold c.mu.
func (c *Client) setReady(ready bool) {
	if c.isReady == ready {
		return
	}
	c.isReady = ready
	if m := c.cfg.Metrics; m != nil {
		if ready {
			m.ConnectedClients.WithLabelValues(c.cfg.QueueName).Inc()
		} else {
			m.ConnectedClients.WithLabelValues(c.cfg.QueueName).Dec()
		}
	}
}

func (c *Client) handleReconnect() {
	for {
		c.mu.Lock()
		c.setReady(false)
		c.mu.Unlock()

		if m := c.metrics(); m != nil {
			m.ReconnectAttempts.WithLabelValues(c.cfg.QueueName).Inc()
		}

		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.log.Error("failed to connect, retrying", "error", err, "delay", reconnectDelay)
			select {
			case <-c.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		c.mu.Lock()
		c.connection = conn
		c.notifyConnClose = conn.NotifyClose(make(chan *amqp.Error, 1))
		c.mu.Unlock()
		c.log.Info("connected to rabbitmq")

		if shutdown := c.handleReInit(conn); shutdown {
			return
		}
	}
}

// handleReInit keeps a channel open on conn. It returns true on shutdown
// and false when the connection dropped.
func (c *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		c.mu.Lock()
		c.setReady(false)
		c.mu.Unlock()

		if err := c.init(conn); err != nil {
			c.log.Error("failed to initialize channel, retrying", "error", err)
			select {
			case <-c.done:
				return true
			case <-c.notifyConnClose:
				c.log.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-c.done:
			return true
		case <-c.notifyConnClose:
			c.log.Info("connection closed, reconnecting")
			return false
		case <-c.notifyChanClose:
			c.log.Info("channel closed, reinitializing")
		}
	}
}

func (c *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return err
	}
	if _, err := ch.QueueDeclare(c.cfg.QueueName, c.cfg.Durable, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}

	c.mu.Lock()
	c.channel = ch
	c.notifyChanClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	c.notifyConfirm = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	c.setReady(true)
	c.mu.Unlock()

	c.log.Info("queue declared", "durable", c.cfg.Durable)
	return nil
}

// Push publishes data and waits for the broker's confirmation. While the
// client is disconnected, or the broker nacks, it retries with exponential
// backoff and gives up after maxRetryAttempts.
func (c *Client) Push(ctx context.Context, data []byte) error {
	m := c.metrics()
	if m != nil {
		timer := prometheus.NewTimer(m.PushDuration.WithLabelValues(c.cfg.QueueName))
		defer timer.ObserveDuration()
	}

	fail := func(reason string, err error) error {
		if m != nil {
			m.PushFailures.WithLabelValues(c.cfg.QueueName, reason).Inc()
		}
		return err
	}

	b := backoff{next: initialBackoff}
	for {
		if b.attempts >= maxRetryAttempts {
			c.log.Error("giving up push", "attempts", b.attempts)
			return fail("max_retries_exceeded", errMaxRetriesExceeded)
		}

		confirms, err := c.publish(ctx, data)
		if err == nil {
			select {
			case <-ctx.Done():
				return fail("context_canceled", ctx.Err())
			case <-c.done:
				return fail("shutdown", errShutdown)
			case confirm, ok := <-confirms:
				if ok && confirm.Ack {
					if m != nil {
						m.MessagesPushed.WithLabelValues(c.cfg.QueueName).Inc()
					}
					c.log.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag, "attempts", b.attempts)
					return nil
				}
				if m != nil {
					m.PushNacks.WithLabelValues(c.cfg.QueueName).Inc()
				}
				c.log.Warn("push not acknowledged", "delivery_tag", confirm.DeliveryTag)
			}
		} else {
			c.log.Warn("push failed", "error", err, "backoff", b.next, "attempts", b.attempts)
		}

		if err := b.wait(ctx, c.done); err != nil {
			if errors.Is(err, errShutdown) {
				return fail("shutdown", err)
			}
			return fail("context_canceled", err)
		}
	}
}

// UnsafePush publishes data without waiting for a confirmation.
func (c *Client) UnsafePush(ctx context.Context, data []byte) error {
	_, err := c.publish(ctx, data)
	return err
}

// publish sends one message and returns the confirmation channel that
// belongs to the channel it was published on.
func (c *Client) publish(ctx context.Context, data []byte) (<-chan amqp.Confirmation, error) {
	c.mu.Lock()
	if !c.isReady {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	ch, confirms := c.channel, c.notifyConfirm
	c.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		AppId:        c.cfg.AppID,
		Timestamp:    time.Now().UTC(),
		Body:         data,
	}
	if c.cfg.Durable {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := ch.PublishWithContext(ctx, "", c.cfg.QueueName, false, false, msg); err != nil {
		return nil, err
	}
	return confirms, nil
}

// Consume starts delivering queue items. Each delivery must be acked or
// nacked, otherwise the prefetch window fills up and the broker stops
// sending.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	if !c.isReady {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	ch := c.channel
	c.mu.Unlock()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, err
	}
	return ch.Consume(c.cfg.QueueName, c.cfg.ConsumerTag, false, false, false, false, nil)
}

// Close stops reconnecting and shuts down the channel and connection. It
// fails when the client was not connected or was already closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errAlreadyClosed
	}
	c.closed = true
	close(c.done)

	if !c.isReady {
		return errAlreadyClosed
	}
	c.setReady(false)

	if err := c.channel.Close(); err != nil {
		return err
	}
	return c.connection.Close()
}

// backoff doubles the wait after every attempt up to maxBackoff.
type backoff struct {
	next     time.Duration
	attempts int
}

func (b *backoff) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errShutdown
	case <-time.After(b.next):
	}
	b.attempts++
	b.next *= backoffMultiplier
	if b.next > maxBackoff {
		b.next = maxBackoff
	}
	return nil
}
