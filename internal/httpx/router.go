// Package httpx is the API gateway surface of the build and deployment
// pipeline: admission endpoints, status queries, log paging, the event
// stream, and operational endpoints.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cygni/cloudexpress/internal/auth"
	"github.com/cygni/cloudexpress/internal/deployer"
	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/events"
	"github.com/cygni/cloudexpress/internal/queue"
	"github.com/cygni/cloudexpress/internal/store"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitBuild     = 60
	rateLimitDeploy    = 60
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	rateLimitInternal  = 600
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	auth       auth.Service
	authorizer auth.Authorizer
	queue      queue.Service
	deploy     *deployer.Service
	jobs       store.Store
	hub        *events.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	dbHealth   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, authorizer auth.Authorizer, queueSvc queue.Service, deploySvc *deployer.Service, jobs store.Store, hub *events.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		auth:       authSvc,
		authorizer: authorizer,
		queue:      queueSvc,
		deploy:     deploySvc,
		jobs:       jobs,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.authorizer == nil {
		r.authorizer = auth.AllowAll{}
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/builds", r.instrument("/builds",
		r.requireAuth(r.withRateLimit("/builds", rateLimitBuild, rateWindowDefault, r.handleCreateBuild))))
	r.mux.HandleFunc("/builds/", r.instrument("/builds/:id",
		r.requireAuth(r.withRateLimit("/builds/:id", rateLimitRead, rateWindowDefault, r.handleBuildSubroutes))))
	r.mux.HandleFunc("/deployments", r.instrument("/deployments",
		r.requireAuth(r.withRateLimit("/deployments", rateLimitDeploy, rateWindowDefault, r.handleCreateDeployment))))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/:id",
		r.requireAuth(r.withRateLimit("/deployments/:id", rateLimitRead, rateWindowDefault, r.handleDeploymentSubroutes))))
	r.mux.HandleFunc("/projects/", r.instrument("/projects/:id",
		r.requireAuth(r.withRateLimit("/projects/:id", rateLimitRead, rateWindowDefault, r.handleProjectSubroutes))))
	r.mux.HandleFunc("/internal/events", r.instrument("/internal/events",
		r.requireService(r.withRateLimit("/internal/events", rateLimitInternal, rateWindowDefault, r.handleIngestEvent))))
	// The websocket upgrade needs the raw ResponseWriter, so this route
	// skips the instrument recorder.
	r.mux.HandleFunc("/ws/events",
		r.requireAuth(r.withRateLimit("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	status := "ok"
	db := map[string]any{"status": "up"}
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			db = map[string]any{"status": "down", "error": err.Error()}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": map[string]any{"database": db},
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleCreateBuild(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload domain.BuildRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ProjectID != "" && !r.authorizeProject(w, req, payload.ProjectID) {
		return
	}
	job, err := r.queue.Enqueue(req.Context(), payload)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.logger.Error("build enqueue failed", "project_id", payload.ProjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue build")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleBuildSubroutes serves GET /builds/{id} and GET /builds/{id}/logs.
func (r *Router) handleBuildSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/builds/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "build id required")
		return
	}
	job, err := r.jobs.GetJob(req.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "build not found")
			return
		}
		r.logger.Error("build lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load build")
		return
	}
	if !r.authorizeProject(w, req, job.ProjectID) {
		return
	}
	switch sub {
	case "":
		writeJSON(w, http.StatusOK, job)
	case "logs":
		r.serveBuildLogs(w, req, job.ID)
	default:
		writeError(w, http.StatusNotFound, "unknown build resource")
	}
}

func (r *Router) serveBuildLogs(w http.ResponseWriter, req *http.Request, jobID string) {
	afterSeq, _ := strconv.ParseInt(req.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	lines, err := r.jobs.ListLogs(req.Context(), jobID, afterSeq, limit)
	if err != nil {
		r.logger.Error("log listing failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	next := afterSeq
	if len(lines) > 0 {
		next = lines[len(lines)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":    lines,
		"next_seq": next,
	})
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload domain.DeploymentRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ProjectID != "" && !r.authorizeProject(w, req, payload.ProjectID) {
		return
	}
	d, err := r.deploy.Admit(req.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, deployer.ErrInvalidStrategy):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, deployer.ErrBuildNotReady):
			writeError(w, http.StatusConflict, err.Error())
		default:
			r.logger.Error("deployment admission failed", "project_id", payload.ProjectID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to admit deployment")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// handleDeploymentSubroutes serves GET and DELETE on /deployments/{id}.
func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "deployment id required")
		return
	}
	d, err := r.deploy.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		r.logger.Error("deployment lookup failed", "deployment_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load deployment")
		return
	}
	if !r.authorizeProject(w, req, d.ProjectID) {
		return
	}
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, d)
	case http.MethodDelete:
		if err := r.deploy.Cancel(req.Context(), id); err != nil {
			if errors.Is(err, deployer.ErrAlreadyTerminal) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			r.logger.Error("deployment cancel failed", "deployment_id", id, "error", err)
			writeError(w, http.StatusBadGateway, "failed to cancel deployment")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	default:
		r.methodNotAllowed(w)
	}
}

// handleProjectSubroutes serves GET /projects/{id}/builds and
// GET /projects/{id}/deployments.
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	projectID, resource, _ := strings.Cut(rest, "/")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id required")
		return
	}
	if !r.authorizeProject(w, req, projectID) {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	switch resource {
	case "builds":
		jobs, err := r.jobs.ListJobsByProject(req.Context(), projectID, limit)
		if err != nil {
			r.logger.Error("build listing failed", "project_id", projectID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list builds")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"builds": jobs})
	case "deployments":
		deployments, err := r.deploy.ListByProject(req.Context(), projectID, limit)
		if err != nil {
			r.logger.Error("deployment listing failed", "project_id", projectID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list deployments")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
	default:
		writeError(w, http.StatusNotFound, "unknown project resource")
	}
}

// handleIngestEvent receives lifecycle events from worker processes and
// broadcasts them to streaming subscribers.
func (r *Router) handleIngestEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var ev domain.Event
	if err := json.NewDecoder(req.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.ProjectID == "" || ev.Type == "" {
		writeError(w, http.StatusBadRequest, "project_id and type required")
		return
	}
	r.hub.Publish(ev)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleEventsWS upgrades the connection and streams the project's
// lifecycle events until the client disconnects.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id required")
		return
	}
	if !r.authorizeProject(w, req, projectID) {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := events.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)

	// Reads are only for detecting disconnects; the stream is one-way.
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
