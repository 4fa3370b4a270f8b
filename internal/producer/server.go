package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/logger"
	"procodus.dev/smartmeter/pkg/metrics"
	"procodus.dev/smartmeter/pkg/mq"
)

// ServerConfig holds the configuration for the generator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// QueueName is the name of the queue to publish readings to
	QueueName string
	// APIKeys holds one user API key per simulated connector
	APIKeys []string
	// Interval is the time between readings of a connector
	Interval time.Duration
	// Timezone is the zone meter timestamps are rendered in
	Timezone string
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.GeneratorMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ operations
	MQMetrics *metrics.MQMetrics
}

// Server manages the simulated connectors.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	producers []*Producer
	clients   []*mq.Client
	wg        sync.WaitGroup
	metrics   *metrics.GeneratorMetrics
	closeOnce sync.Once
}

var (
	errNoAPIKeys       = errors.New("at least one api key is required")
	errEmptyAPIKey     = errors.New("api key cannot be empty")
	errInvalidInterval = errors.New("interval must be greater than 0")
	errLoggerRequired  = errors.New("logger is required")
)

// NewServer creates a new generator server with one connector per API key.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if len(cfg.APIKeys) == 0 {
		return nil, errNoAPIKeys
	}

	for _, key := range cfg.APIKeys {
		if key == "" {
			return nil, errEmptyAPIKey
		}
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	zone := cfg.Timezone
	if zone == "" {
		zone = meter.DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %s: %w", zone, err)
	}

	log := logger.Component(cfg.Logger, "generator")
	s := &Server{
		config:    cfg,
		producers: make([]*Producer, 0, len(cfg.APIKeys)),
		clients:   make([]*mq.Client, 0, len(cfg.APIKeys)),
		logger:    log,
		metrics:   cfg.Metrics,
	}

	for i, key := range cfg.APIKeys {
		client := mq.New(cfg.QueueName, cfg.RabbitMQURL, cfg.Logger.With(
			slog.String("component", "mq-client"),
			slog.Int("connector_id", i),
		))

		if cfg.MQMetrics != nil {
			client.SetMetrics(cfg.MQMetrics)
		}

		producer := NewProducer(client, key, loc)
		if cfg.Metrics != nil {
			producer.SetMetrics(cfg.Metrics)
		}

		s.clients = append(s.clients, client)
		s.producers = append(s.producers, producer)

		s.logger.Info("created connector",
			"connector_id", i,
			"queue", cfg.QueueName,
			"meter_count", len(producer.Meters),
		)
	}

	return s, nil
}

// Run starts all connectors and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	for i, producer := range s.producers {
		s.wg.Add(1)
		go s.runProducer(ctx, i, producer)
	}

	s.logger.Info("generator started",
		"connector_count", len(s.producers),
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for connectors to shut down...")
	s.wg.Wait()

	s.logger.Info("closing MQ clients...")
	s.closeClients()

	s.logger.Info("generator stopped")
	return nil
}

// runProducer runs a single connector, publishing readings at the configured interval.
func (s *Server) runProducer(ctx context.Context, id int, producer *Producer) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveConnectors.Inc()
		defer s.metrics.ActiveConnectors.Dec()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	connectorLogger := s.logger.With(slog.Int("connector_id", id))
	connectorLogger.Info("connector started")

	for {
		select {
		case <-ctx.Done():
			connectorLogger.Info("connector shutting down")
			return

		case <-ticker.C:
			if err := producer.Publish(ctx); err != nil {
				connectorLogger.Error("failed to publish readings", "error", err)
				continue
			}

			connectorLogger.Debug("readings published", "meter_count", len(producer.Meters))
		}
	}
}

// closeClients closes all MQ clients once.
func (s *Server) closeClients() {
	s.closeOnce.Do(func() {
		var wg sync.WaitGroup

		for i, client := range s.clients {
			wg.Add(1)
			go func(id int, c *mq.Client) {
				defer wg.Done()

				if err := c.Close(); err != nil {
					s.logger.Error("failed to close MQ client",
						"connector_id", id,
						"error", err,
					)
					return
				}

				s.logger.Info("MQ client closed", "connector_id", id)
			}(i, client)
		}

		wg.Wait()
	})
}

// Shutdown initiates a graceful shutdown of the server.
// This is an alternative to sending OS signals.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")
	s.closeClients()
	return nil
}
