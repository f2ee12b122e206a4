// Package api serves the customer-health tables, load control and liveness checks over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cxhealth/cxhealth/internal/loader"
	"github.com/cxhealth/cxhealth/internal/metrics"
	"github.com/cxhealth/cxhealth/pkg/errors"
	"github.com/cxhealth/cxhealth/pkg/health"
	"github.com/cxhealth/cxhealth/pkg/types"
)

// Loader is the load orchestration the API reads from.
type Loader interface {
	Load(ctx context.Context, force bool) (*loader.Snapshot, error)
	Start(ctx context.Context)
	Status() loader.Status
	Snapshot() (*loader.Snapshot, error)
	Invalidate(ctx context.Context, scope loader.InvalidateScope) error
	CacheStats() types.CacheStats
}

// Server provides the HTTP API
type Server struct {
	httpServer *http.Server
	loader     Loader
	metrics    *metrics.Collector
	health     *health.Tracker
	logger     zerolog.Logger
	config     ServerConfig
	handler    http.Handler
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response. It bounds ?wait=true requests.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableMetrics serves the Prometheus registry on /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`

	// EnableProfiling mounts pprof under /debug
	EnableProfiling bool `yaml:"enable_profiling" json:"enable_profiling"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       ":8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Minute,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    true,
		EnableMetrics: true,
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealthTracker serves component health on /health.
func WithHealthTracker(t *health.Tracker) ServerOption {
	return func(s *Server) { s.health = t }
}

// NewServer creates a new API server. collector may be nil.
func NewServer(config ServerConfig, ldr Loader, collector *metrics.Collector, logger zerolog.Logger, opts ...ServerOption) *Server {
	if collector == nil {
		collector = metrics.NewNop()
	}
	s := &Server{
		loader:  ldr,
		metrics: collector,
		logger:  logger.With().Str("component", "api").Logger(),
		config:  config,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	if config.EnableCORS {
		r.Use(corsMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	if config.EnableMetrics && collector.Enabled() {
		r.Method(http.MethodGet, "/metrics", collector.Handler())
	}
	if config.EnableProfiling {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Get("/accounts", s.handleAccounts)
		r.Get("/accounts/{id}", s.handleAccount)
		r.Get("/cohorts", s.handleCohorts)
		r.Get("/revenue-retention", s.handleRevenue)
		r.Get("/events", s.handleEvents)

		r.Get("/status", s.handleStatus)
		r.Post("/load", s.handleLoad)
		r.Post("/cache/invalidate", s.handleInvalidate)
		r.Get("/cache/stats", s.handleCacheStats)
	})

	s.handler = r
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.config.Address).Msg("Starting API server")
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Liveness and readiness

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleHealth reports component health. Only an unavailable critical
// component answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := health.Report{State: health.StateHealthy, Components: []health.ComponentHealth{}}
	if s.health != nil {
		report = s.health.Report()
	}
	code := http.StatusOK
	if report.State == health.StateUnavailable {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]interface{}{
		"status":     report.State,
		"components": report.Components,
		"load_state": s.loader.Status().State,
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	st := s.loader.Status()
	ready := st.State == loader.StateLoaded
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]interface{}{
		"ready":     ready,
		"state":     st.State,
		"progress":  st.Progress,
		"timestamp": time.Now(),
	})
}

// Data endpoints

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.withSnapshot(w, r, func(snap *loader.Snapshot) {
		s.respondJSON(w, http.StatusOK, snap.Summary)
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAccountFilter(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.withSnapshot(w, r, func(snap *loader.Snapshot) {
		rows := make([]types.MetricRow, 0, len(snap.Master))
		for _, row := range snap.Master {
			if filter.match(row) {
				rows = append(rows, row)
			}
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"accounts": rows,
			"count":    len(rows),
			"total":    len(snap.Master),
		})
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.withSnapshot(w, r, func(snap *loader.Snapshot) {
		row, ok := snap.Account(id)
		if !ok {
			s.respondErr(w, errors.Newf(errors.ErrCodeNotFound, "account %q not found", id))
			return
		}
		s.respondJSON(w, http.StatusOK, row)
	})
}

func (s *Server) handleCohorts(w http.ResponseWriter, r *http.Request) {
	s.withSnapshot(w, r, func(snap *loader.Snapshot) {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"cohorts": snap.Cohorts,
			"count":   len(snap.Cohorts),
		})
	})
}

func (s *Server) handleRevenue(w http.ResponseWriter, r *http.Request) {
	s.withSnapshot(w, r, func(snap *loader.Snapshot) {
		s.respondJSON(w, http.StatusOK, snap.Revenue)
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.withSnapshot(w, r, func(snap *loader.Snapshot) {
		events := snap.Events
		if filter.accountID != "" {
			events = snap.AccountEvents(filter.accountID)
		}
		matched := make([]types.Event, 0, len(events))
		for _, e := range events {
			if filter.match(e) {
				matched = append(matched, e)
			}
		}
		total := len(matched)
		if total > filter.limit {
			matched = matched[total-filter.limit:]
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"events": matched,
			"count":  len(matched),
			"total":  total,
		})
	})
}

// withSnapshot answers 200 through fn when data is loaded. Otherwise it kicks
// off a load and answers 202 with progress, or 503 with the cause of a failed
// load. With ?wait=true it blocks until the load settles.
func (s *Server) withSnapshot(w http.ResponseWriter, r *http.Request, fn func(*loader.Snapshot)) {
	if snap, err := s.loader.Snapshot(); err == nil {
		fn(snap)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		snap, err := s.loader.Load(r.Context(), false)
		if err != nil {
			s.respondErr(w, errors.Wrap(err, errors.ErrCodeLoadFailed, "load failed"))
			return
		}
		fn(snap)
		return
	}

	st := s.loader.Status()
	switch st.State {
	case loader.StateFailed:
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     st.Error,
			"code":      errors.ErrCodeLoadFailed,
			"status":    st,
			"timestamp": time.Now(),
		})
	case loader.StateNotLoaded:
		s.loader.Start(context.Background())
		fallthrough
	default:
		s.respondJSON(w, http.StatusAccepted, st)
	}
}

// Control endpoints

type statusResponse struct {
	loader.Status
	Cache types.CacheStats `json:"cache"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, statusResponse{Status: s.loader.Status(), Cache: s.loader.CacheStats()})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	force, _ := strconv.ParseBool(q.Get("force"))
	wait, _ := strconv.ParseBool(q.Get("wait"))

	if wait {
		if _, err := s.loader.Load(r.Context(), force); err != nil {
			s.respondErr(w, errors.Wrap(err, errors.ErrCodeLoadFailed, "load failed"))
			return
		}
		s.respondJSON(w, http.StatusOK, s.loader.Status())
		return
	}

	go func() {
		if _, err := s.loader.Load(context.Background(), force); err != nil {
			s.logger.Error().Err(err).Bool("force", force).Msg("Requested load failed")
		}
	}()
	s.respondJSON(w, http.StatusAccepted, s.loader.Status())
}

// handleInvalidate drops cached tables. ?scope=all clears every tier and
// ?scope=version moves to the next key generation.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	scope := loader.InvalidateScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = loader.ScopeTables
	}
	if err := s.loader.Invalidate(r.Context(), scope); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, statusResponse{Status: s.loader.Status(), Cache: s.loader.CacheStats()})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.loader.CacheStats())
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, status, elapsed)
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("API request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Error encoding JSON response")
	}
}

// respondErr maps err to its HTTP status and code.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := errors.HTTPStatusOf(err)
	body := map[string]interface{}{
		"error":     err.Error(),
		"timestamp": time.Now(),
	}
	if code := errors.CodeOf(err); code != "" {
		body["code"] = code
	}
	s.respondJSON(w, status, body)
}
