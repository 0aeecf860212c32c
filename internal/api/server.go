// Package api serves the derived views read-only over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage"
	"github.com/xtxerr/airwatch/internal/storage/query"
	"github.com/xtxerr/airwatch/internal/storage/types"
	"github.com/xtxerr/airwatch/internal/validation"
)

// Store is the storage surface the API reads.
type Store interface {
	Query() *query.Service
	Counts(ctx context.Context) (map[string]int64, error)
	Stats() storage.ServiceStats
	Health(ctx context.Context) error
}

// Options configures the HTTP server.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the read-only dashboard API.
type Server struct {
	store  Store
	router *mux.Router
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	extra map[string]func() any
}

// NewServer creates the API server.
func NewServer(store Store, opts Options) *Server {
	s := &Server{
		store:  store,
		router: mux.NewRouter(),
		opts:   opts,
		logger: logging.Component("api"),
		extra:  make(map[string]func() any),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/latest-records", s.handleLatestRecords).Methods(http.MethodGet)
	v1.HandleFunc("/daily-stats", s.handleDailyStats).Methods(http.MethodGet)
	v1.HandleFunc("/latest-values", s.handleLatestValues).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.Use(s.loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// AddStats adds a named section to the /api/v1/stats response.
func (s *Server) AddStats(name string, fn func() any) {
	s.mu.Lock()
	s.extra[name] = fn
	s.mu.Unlock()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done <- srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return <-done
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Responses
// =============================================================================

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    *meta  `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total"`
	Limit   int   `json:"limit,omitempty"`
	QueryMs int64 `json:"query_ms"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data any, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleLatestRecords(w http.ResponseWriter, r *http.Request) {
	serveView(s, w, r, s.store.Query().LatestRecords)
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	serveView(s, w, r, s.store.Query().DailyStats)
}

func (s *Server) handleLatestValues(w http.ResponseWriter, r *http.Request) {
	serveView(s, w, r, s.store.Query().LatestValues)
}

func serveView[T any](s *Server, w http.ResponseWriter, r *http.Request, fetch func(context.Context, query.Filter) ([]T, error)) {
	start := time.Now()

	f, err := ParseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := fetch(r.Context(), f)
	if errors.IsValidation(err) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Warn("view query failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []T{}
	}

	respondWithMeta(w, rows, &meta{
		Total:   len(rows),
		Limit:   f.Limit,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := map[string]any{
		"storage": s.store.Stats(),
		"rows":    counts,
	}

	s.mu.RLock()
	for name, fn := range s.extra {
		out[name] = fn()
	}
	s.mu.RUnlock()

	respondJSON(w, http.StatusOK, out)
}

// =============================================================================
// Filters
// =============================================================================

// ParseFilter reads location_id, parameter, from, to, known_only and limit
// from the query string. location_id and parameter may repeat or hold
// comma-separated lists; from and to accept RFC 3339 or YYYY-MM-DD.
func ParseFilter(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	f := query.Filter{
		LocationIDs: listParam(q["location_id"]),
		Parameters:  listParam(q["parameter"]),
	}
	if err := validation.LocationIDs("location_id", f.LocationIDs); err != nil {
		return f, err
	}
	if err := validation.Parameters("parameter", f.Parameters); err != nil {
		return f, err
	}

	var err error
	if f.From, err = timeParam(q.Get("from")); err != nil {
		return f, errors.NewValidation("from", err.Error())
	}
	if f.To, err = timeParam(q.Get("to")); err != nil {
		return f, errors.NewValidation("to", err.Error())
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, errors.NewValidation("to", "before from")
	}

	if v := q.Get("known_only"); v != "" {
		if f.KnownOnly, err = strconv.ParseBool(v); err != nil {
			return f, errors.NewValidation("known_only", "expected a boolean")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errors.NewValidation("limit", "expected a non-negative integer")
		}
	}
	return f, nil
}

func listParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Views lists the view endpoints, for startup logging.
func Views() map[string]string {
	return map[string]string{
		types.ViewLatestRecords: "/api/v1/latest-records",
		types.ViewDailyStats:    "/api/v1/daily-stats",
		types.ViewLatestValues:  "/api/v1/latest-values",
	}
}
