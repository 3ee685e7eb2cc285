// Package server provides the HTTP server of a grid node.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/config"
	"github.com/devrev/pairdb/datagrid/internal/handler"
	"github.com/devrev/pairdb/datagrid/internal/health"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// systemStatsInterval is how often runtime and disk gauges are refreshed
const systemStatsInterval = 15 * time.Second

// Server serves the grid API, health probes and Prometheus metrics
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	grid        *handler.GridHandler
	healthCheck *health.HealthChecker
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	cfg         *config.Config
	stopChan    chan struct{}
}

// NewServer creates the server and mounts every route
func NewServer(
	cfg *config.Config,
	grid *handler.GridHandler,
	healthCheck *health.HealthChecker,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		grid:        grid,
		healthCheck: healthCheck,
		metrics:     m,
		gatherer:    gatherer,
		logger:      logger,
		cfg:         cfg,
		stopChan:    make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Timeout(s.cfg.Server.WriteTimeout),
	))

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.grid.RegisterRoutes(s.router)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRouteError(w, r, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRouteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func writeRouteError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(handler.ErrorResponse{
		Status:    "error",
		ErrorCode: "INVALID_ARGUMENT",
		Message:   message,
		RequestID: r.Header.Get(middleware.RequestIDHeader),
	})
}

// Handler returns the root handler, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the system stats collector and serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}

// collectSystemMetrics periodically refreshes system-level gauges
func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(systemStatsInterval)
	defer ticker.Stop()

	s.UpdateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.UpdateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// UpdateSystemMetrics samples memory, goroutines and, for the log backend,
// the disk holding the version log
func (s *Server) UpdateSystemMetrics() {
	var diskUsage, diskAvailable int64
	if s.cfg.Storage.Backend == config.BackendLog {
		var err error
		diskUsage, diskAvailable, err = health.DiskStats(s.cfg.Storage.DataDir)
		if err != nil {
			s.logger.Error("Failed to get disk stats", zap.Error(err))
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(diskUsage, diskAvailable, int64(memStats.Alloc), runtime.NumGoroutine())
}
