// Package backend runs the smart meter backend: the REST API, the reading
// queue consumer and the live feed gRPC server, all on one database.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"gorm.io/gorm"

	"procodus.dev/smartmeter/internal/api"
	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/livefeed"
	"procodus.dev/smartmeter/pkg/metrics"
)

// metricsNamespace prefixes every metric the backend exports.
const metricsNamespace = "smartmeter"

// Server represents the backend server that manages database, message queue, HTTP and gRPC.
type Server struct {
	logger     *slog.Logger
	db         *gorm.DB
	consumer   *Consumer
	api        *api.Server
	grpcServer *grpc.Server
	config     *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	DBMaxOpenConns   int
	DBConnectTimeout time.Duration

	// RabbitMQ configuration. An empty URL disables the consumer.
	RabbitMQURL string
	QueueName   string

	// LiveToken guards the live data endpoint and the live feed.
	LiveToken string

	// Timezone of P1 timestamps and day buckets.
	Timezone string

	// gRPC configuration
	GRPCPort int

	// HTTP configuration
	HTTPPort int

	// Database port
	DBPort int

	// PowerGatesChannels only stores gas and solar history alongside power.
	PowerGatesChannels bool

	// EnableMetrics registers the Prometheus collectors.
	EnableMetrics bool
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL != "" && cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	var (
		backendMetrics *metrics.BackendMetrics
		ingestMetrics  *metrics.IngestMetrics
		apiMetrics     *metrics.APIMetrics
		mqMetrics      *metrics.MQMetrics
	)
	if s.config.EnableMetrics {
		backendMetrics = metrics.NewBackendMetrics(metricsNamespace)
		ingestMetrics = metrics.NewIngestMetrics(metricsNamespace)
		apiMetrics = metrics.NewAPIMetrics(metricsNamespace)
		mqMetrics = metrics.NewMQMetrics(metricsNamespace)
	}

	// Initialize database
	db, err := NewDB(&DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,

		MaxOpenConns:   s.config.DBMaxOpenConns,
		ConnectTimeout: s.config.DBConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db
	go ReportPoolStats(ctx, db, backendMetrics, 15*time.Second)

	s.logger.Info("database initialized successfully")

	store, engine, ledger, err := s.domain(ingestMetrics)
	if err != nil {
		_ = s.Shutdown()
		return err
	}

	// Initialize consumer
	if s.config.RabbitMQURL != "" {
		consumer, err := NewConsumer(&ConsumerConfig{
			Logger:      s.logger,
			Store:       store,
			Engine:      engine,
			Metrics:     backendMetrics,
			MQMetrics:   mqMetrics,
			RabbitMQURL: s.config.RabbitMQURL,
			QueueName:   s.config.QueueName,
		})
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
		s.consumer = consumer

		if err := s.consumer.Start(ctx); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to start consumer: %w", err)
		}
	} else {
		s.logger.Warn("no rabbitmq URL configured, reading queue disabled")
	}

	// Start HTTP API
	s.api, err = api.NewServer(&api.ServerConfig{
		Logger:    s.logger,
		Store:     store,
		Engine:    engine,
		Ledger:    ledger,
		Metrics:   apiMetrics,
		LiveToken: s.config.LiveToken,
		HTTPPort:  s.config.HTTPPort,
	})
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}
	httpErr := s.api.Start()

	// Start gRPC live feed
	grpcErr, err := s.startGRPC(store, backendMetrics)
	if err != nil {
		_ = s.Shutdown()
		return err
	}

	s.logger.Info("backend server started successfully")

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			_ = s.Shutdown()
			return err
		}
	case err := <-grpcErr:
		if err != nil {
			s.logger.Error("gRPC server error", "error", err)
			cancel()
			_ = s.Shutdown()
			return err
		}
	}

	// Shutdown
	return s.Shutdown()
}

// domain builds the meter store, ingestion engine and group ledger.
func (s *Server) domain(m *metrics.IngestMetrics) (*meter.Store, *meter.Engine, *meter.Ledger, error) {
	var loc *time.Location
	if s.config.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(s.config.Timezone); err != nil {
			return nil, nil, nil, fmt.Errorf("invalid timezone: %w", err)
		}
	}

	store, err := meter.NewStore(&meter.StoreConfig{DB: s.db, Logger: s.logger, Location: loc})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	engine, err := meter.NewEngine(&meter.EngineConfig{
		Store:              store,
		Logger:             s.logger,
		Metrics:            m,
		PowerGatesChannels: s.config.PowerGatesChannels,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	ledger, err := meter.NewLedger(&meter.LedgerConfig{Store: store, Logger: s.logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	return store, engine, ledger, nil
}

func (s *Server) startGRPC(store *meter.Store, m *metrics.BackendMetrics) (<-chan error, error) {
	if s.config.LiveToken == "" {
		// A nil channel never fires in Run's select.
		s.logger.Warn("no live token configured, live feed disabled")
		return nil, nil
	}

	service, err := NewLiveFeedService(s.logger, store, s.config.LiveToken, m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gRPC service: %w", err)
	}

	s.grpcServer = grpc.NewServer()
	livefeed.RegisterServer(s.grpcServer, service)

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	s.logger.Info("starting gRPC server", "address", grpcAddr)

	grpcErr := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			grpcErr <- fmt.Errorf("gRPC server error: %w", err)
		}
		close(grpcErr)
	}()
	return grpcErr, nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var errs []error

	// Stop HTTP server
	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.api.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop HTTP server", "error", err)
			errs = append(errs, fmt.Errorf("HTTP shutdown error: %w", err))
		}
		cancel()
		s.api = nil
	}

	// Stop gRPC server
	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.grpcServer = nil
		s.logger.Info("gRPC server stopped")
	}

	// Stop consumer
	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
		s.consumer = nil
	}

	// Close database
	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
		s.db = nil
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
