// Package api exposes the ops HTTP interface for the monitoring service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/metrics"
	"github.com/calderops/sitewatch/internal/monitor"
)

// PolicyService answers policy queries and accepts manual resume requests.
// The adaptation manager satisfies it.
type PolicyService interface {
	State(ctx context.Context, site string) (monitor.SitePolicyState, error)
	ManualResume(ctx context.Context, site string) error
}

// SelectorSource lists a site's selector records. The registry mirror
// satisfies it.
type SelectorSource interface {
	Site(site string) []monitor.Selector
}

// Server wires HTTP handlers to the policy service and stores.
type Server struct {
	router    chi.Router
	policies  PolicyService
	selectors SelectorSource
	events    monitor.EventStore
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	policies PolicyService,
	selectors SelectorSource,
	events monitor.EventStore,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		policies:  policies,
		selectors: selectors,
		events:    events,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/sites/{site}", func(r chi.Router) {
		r.Get("/policy", s.getPolicy)
		r.Get("/selectors", s.listSelectors)
		r.Get("/events", s.listEvents)
		r.Post("/resume", s.resume)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	state, err := s.policies.State(r.Context(), site)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load policy failed")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) listSelectors(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	selectors := s.selectors.Site(site)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"site":      site,
		"selectors": selectors,
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	changes, err := s.events.ListChanges(r.Context(), site, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list change events failed")
		return
	}
	anomalies, err := s.events.ListAnomalies(r.Context(), site, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list anomaly events failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"site":      site,
		"changes":   changes,
		"anomalies": anomalies,
	})
}

// resume requests that a paused site move back into degraded operation. The
// request is accepted regardless of current state; non-paused sites ignore it.
func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	if err := s.policies.ManualResume(r.Context(), site); err != nil {
		s.writeError(w, http.StatusInternalServerError, "resume request failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"site":   site,
		"status": "resume requested",
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
