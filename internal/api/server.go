// Package api serves the smart meter REST API and the public group dashboard.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/logger"
	"procodus.dev/smartmeter/pkg/metrics"
)

// requestTimeout bounds the store work of a single request.
const requestTimeout = 10 * time.Second

// Server represents the REST API HTTP server.
type Server struct {
	logger     *slog.Logger
	store      *meter.Store
	engine     *meter.Engine
	ledger     *meter.Ledger
	metrics    *metrics.APIMetrics
	httpServer *http.Server
	config     *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger  *slog.Logger
	Store   *meter.Store
	Engine  *meter.Engine
	Ledger  *meter.Ledger
	Metrics *metrics.APIMetrics

	// LiveToken is the shared secret of the live data endpoint.
	LiveToken string

	// HTTP server configuration
	HTTPPort int
}

// NewServer creates a new API Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
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

	if cfg.Ledger == nil {
		return nil, errors.New("ledger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	return &Server{
		logger:  logger.Component(cfg.Logger, "api"),
		store:   cfg.Store,
		engine:  cfg.Engine,
		ledger:  cfg.Ledger,
		metrics: cfg.Metrics,
		config:  cfg,
	}, nil
}

// Handler returns the routed API with its middleware applied.
func (s *Server) Handler() http.Handler {
	return s.identify(s.instrument(s.setupRoutes()))
}

// Start begins serving HTTP in the background. A serve failure is reported
// on the returned channel, which is closed when serving stops.
func (s *Server) Start() <-chan error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()
	return httpErr
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check and metrics
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/stats/{$}", s.handleStats)

	// Device ingestion
	mux.HandleFunc("POST /api/meters/measurement/{$}", s.handleMeasurement)
	mux.HandleFunc("POST /api/meters/measurement/test/{$}", s.handleMeasurementTest)

	// Group views
	mux.HandleFunc("GET /api/meters/groups/{id}/{$}", s.handleGroupView)
	mux.HandleFunc("GET /api/meters/groups/public/{key}/{$}", s.handlePublicGroupView)
	mux.HandleFunc("GET /api/meters/groups/invite/{key}/{$}", s.handleInviteInfo)
	mux.HandleFunc("GET /api/meters/groups/live-data/{$}", s.handleLiveData)

	// Meters of a user
	mux.HandleFunc("GET /api/users/{uid}/meters/{$}", s.handleMeterList)
	mux.HandleFunc("GET /api/users/{uid}/meters/{id}/{$}", s.handleMeterDetail)
	mux.HandleFunc("PUT /api/users/{uid}/meters/{id}/{$}", s.handleMeterUpdate)
	mux.HandleFunc("DELETE /api/users/{uid}/meters/{id}/{$}", s.handleMeterDelete)
	mux.HandleFunc("GET /api/users/{uid}/meters/{id}/{channel}/{$}", s.handleMeasurementList)

	// Groups of a user
	mux.HandleFunc("GET /api/users/{uid}/meters/groups/{$}", s.handleGroupList)
	mux.HandleFunc("POST /api/users/{uid}/meters/groups/{$}", s.handleGroupCreate)
	mux.HandleFunc("GET /api/users/{uid}/meters/groups/{id}/{$}", s.handleGroupDetail)
	mux.HandleFunc("PUT /api/users/{uid}/meters/groups/{id}/{$}", s.handleGroupUpdate)
	mux.HandleFunc("DELETE /api/users/{uid}/meters/groups/{id}/{$}", s.handleGroupDelete)

	// Participation of a user
	mux.HandleFunc("GET /api/users/{uid}/meters/participation/{$}", s.handleParticipationList)
	mux.HandleFunc("POST /api/users/{uid}/meters/participation/{$}", s.handleParticipationCreate)
	mux.HandleFunc("GET /api/users/{uid}/meters/participation/{id}/{$}", s.handleParticipationDetail)
	mux.HandleFunc("PUT /api/users/{uid}/meters/participation/{id}/{$}", s.handleParticipationUpdate)

	// Participants managed by the group manager
	mux.HandleFunc("GET /api/groups/{gid}/participants/{$}", s.handleManagedParticipantList)
	mux.HandleFunc("GET /api/groups/{gid}/participants/{id}/{$}", s.handleManagedParticipantDetail)
	mux.HandleFunc("PUT /api/groups/{gid}/participants/{id}/{$}", s.handleManagedParticipantUpdate)

	// Public dashboard
	mux.HandleFunc("GET /public/{key}", s.handlePublicDashboard)

	return mux
}

// handleHealth serves health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.logger.Error("failed to write health response", "error", err)
	}
}

// handleStats serves the platform statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	st, err := s.store.Statistics(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}
