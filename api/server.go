// Package api serves the engine's operational endpoints: health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Health statuses reported by /health
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker is implemented by every backing store the engine depends on
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f(ctx)
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status     string            `json:"status"`
	Time       string            `json:"time"`
	Components map[string]string `json:"components,omitempty"`
}

// Server is the operational HTTP server
type Server struct {
	router *mux.Router
	server *http.Server
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	checks map[string]HealthChecker
	now    func() time.Time
}

// NewServer creates a server bound to addr
func NewServer(addr string, logger *zap.SugaredLogger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		checks: make(map[string]HealthChecker),
		now:    time.Now,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// SetHealthCheck registers (or replaces) a named component check
func (s *Server) SetHealthCheck(name string, check HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	s.logger.Infow("Operational server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]HealthChecker, len(names))
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.RUnlock()

	resp := HealthResponse{
		Status:     StatusHealthy,
		Time:       s.now().UTC().Format(time.RFC3339),
		Components: make(map[string]string, len(names)),
	}
	for i, name := range names {
		if err := checks[i].HealthCheck(ctx); err != nil {
			s.logger.Warnw("Health check failed", "component", name, "error", err)
			resp.Status = StatusDegraded
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Errorw("Failed to encode health response", "error", err)
	}
}
