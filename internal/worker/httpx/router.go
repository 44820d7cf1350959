// Package httpx exposes the worker process's health and metrics endpoints.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports build toolchain connectivity; satisfied by the docker builder.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStatus reports worker pool liveness; satisfied by worker.Pool.
type PoolStatus interface {
	IsRunning() bool
	LiveSlots() int
}

// Router exposes HTTP endpoints for the worker process.
type Router struct {
	mux    *http.ServeMux
	logger *slog.Logger
	name   string
	docker Pinger
	pool   PoolStatus
}

// New creates and registers handlers.
func New(name string, docker Pinger, pool PoolStatus, logger *slog.Logger) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		name:   name,
		docker: docker,
		pool:   pool,
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.handleHealth)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	dockerComponent := map[string]any{"status": "up"}
	if err := r.docker.Ping(ctx); err != nil {
		status = "degraded"
		dockerComponent = map[string]any{"status": "down", "error": err.Error()}
	}
	poolComponent := map[string]any{
		"status":     "up",
		"live_slots": r.pool.LiveSlots(),
	}
	if !r.pool.IsRunning() {
		status = "degraded"
		poolComponent["status"] = "down"
	}

	payload := map[string]any{
		"status": status,
		"pool":   r.name,
		"components": map[string]any{
			"docker":  dockerComponent,
			"workers": poolComponent,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
