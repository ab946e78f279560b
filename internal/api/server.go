// Package api exposes the runner over HTTP: the synchronous /run-code
// endpoint, health and dashboard views, Prometheus metrics, and the
// dashboard's WebSocket push stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codechat/runner/internal/events"
	"github.com/codechat/runner/internal/pool"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP traffic to the pool. The screener hook is nil when the
// static-check feature flag is off.
type Server struct {
	pool  *pool.Pool
	bus   *events.Bus
	check func(code string) []string
	reg   *prometheus.Registry
}

// NewServer wires the HTTP surface to its dependencies.
func NewServer(p *pool.Pool, bus *events.Bus, check func(string) []string, reg *prometheus.Registry) *Server {
	return &Server{pool: p, bus: bus, check: check, reg: reg}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/run-code", s.handleRunCode).Methods("POST", "OPTIONS")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/dashboard", s.handleDashboard).Methods("GET")
	r.HandleFunc("/dashboard/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/dashboard/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/ws/dashboard", s.handleDashboardWS)

	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"took", time.Since(start).Round(time.Millisecond))
	})
}

type runRequest struct {
	Code    string `json:"code"`
	UserID  string `json:"user_id"`
	Timeout int    `json:"timeout"`
}

func (s *Server) handleRunCode(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var req runRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	if s.check != nil {
		if violations := s.check(req.Code); len(violations) > 0 {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error":   "forbidden constructs found",
				"details": violations,
			})
			return
		}
	}

	result, err := s.pool.Execute(r.Context(), req.Code, req.Timeout, req.UserID)
	if err != nil {
		status, msg := classifyError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// classifyError maps pool failures onto the response taxonomy.
func classifyError(err error) (int, string) {
	var se *pool.SandboxError
	switch {
	case errors.Is(err, pool.ErrSaturation):
		return http.StatusServiceUnavailable, "no available workers"
	case errors.Is(err, pool.ErrDeadline):
		return http.StatusRequestTimeout, "execution timed out"
	case errors.As(err, &se):
		return http.StatusInternalServerError, se.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil || s.pool.Size() == 0 {
		writeError(w, http.StatusServiceUnavailable, "pool not initialized")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	snap := s.pool.Health(ctx)
	status := "healthy"
	if snap.Unhealthy > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"pool":   snap,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 100 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": s.pool.History(limit),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
