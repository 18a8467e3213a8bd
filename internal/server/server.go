// Package server provides the HTTP surface of the daemon: health checks,
// metrics and the decision API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of the server
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthChecker checks one component
type HealthChecker func(ctx context.Context) (ok bool, message string)

// Registrar mounts routes on the router
type Registrar interface {
	Register(r chi.Router)
}

// Server serves the management endpoints and any mounted API
type Server struct {
	mu        sync.RWMutex
	server    *http.Server
	router    *chi.Mux
	checkers  map[string]HealthChecker
	startTime time.Time
	version   string
	timeout   time.Duration
}

// Config holds server configuration
type Config struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string

	// MetricsPath is the path for Prometheus metrics; empty disables it
	MetricsPath string

	// Gatherer backs the metrics endpoint; nil means the default registry
	Gatherer prometheus.Gatherer

	// HealthPath is the path for health checks
	HealthPath string

	// ReadyPath is the path for readiness checks
	ReadyPath string

	// LivePath is the path for liveness checks
	LivePath string

	// CheckTimeout bounds each health check
	CheckTimeout time.Duration

	// Version is the application version
	Version string

	// Logger receives access logs
	Logger zerolog.Logger
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		MetricsPath:  "/metrics",
		HealthPath:   "/health",
		ReadyPath:    "/ready",
		LivePath:     "/live",
		CheckTimeout: 2 * time.Second,
		Version:      "dev",
		Logger:       zerolog.Nop(),
	}
}

// New creates a new server
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		router:    chi.NewRouter(),
		checkers:  make(map[string]HealthChecker),
		startTime: time.Now(),
		version:   cfg.Version,
		timeout:   cfg.CheckTimeout,
	}
	if s.timeout <= 0 {
		s.timeout = 2 * time.Second
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(RequestID)
	s.router.Use(accessLog(cfg.Logger))

	if cfg.MetricsPath != "" {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		s.router.Method(http.MethodGet, cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.router.Get(cfg.HealthPath, s.healthHandler)
	s.router.Get(cfg.ReadyPath, s.readyHandler)
	s.router.Get(cfg.LivePath, s.liveHandler)

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	return s
}

// Mount registers the routes of r
func (s *Server) Mount(r Registrar) {
	r.Register(s.router)
}

// RegisterHealthCheck registers a health checker
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// Start starts the server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// runChecks runs all checkers in name order
func (s *Server) runChecks(ctx context.Context) (map[string]string, string) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checkers))
	checkers := make(map[string]HealthChecker, len(s.checkers))
	for name, c := range s.checkers {
		names = append(names, name)
		checkers[name] = c
	}
	s.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	failed := ""
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		ok, msg := checkers[name](cctx)
		cancel()
		if ok {
			results[name] = "ok"
			continue
		}
		results[name] = msg
		if failed == "" {
			failed = name
		}
	}
	return results, failed
}

// healthHandler returns detailed health status
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks, failed := s.runChecks(r.Context())

	status := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Checks:    checks,
	}

	code := http.StatusOK
	if failed != "" {
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// readyHandler indicates if the service is ready to receive traffic
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, failed := s.runChecks(r.Context()); failed != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := fmt.Fprintf(w, "not ready: %s check failed", failed); err != nil {
			return
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ready")); err != nil {
		// Connection closed, nothing we can do
		return
	}
}

// liveHandler indicates if the service is alive
func (s *Server) liveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("alive")); err != nil {
		// Connection closed, nothing we can do
		return
	}
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the server address
func (s *Server) Addr() string {
	return s.server.Addr
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone, nothing left to report to the client
		return
	}
}
