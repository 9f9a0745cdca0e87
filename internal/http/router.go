package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/internal/service/workspace"
	"github.com/splax/devspace/internal/ws"
)

// WorkspaceService is the orchestrator surface served over HTTP.
type WorkspaceService interface {
	Create(ctx context.Context, in workspace.CreateInput) (workspace.CreateResult, error)
	Get(ctx context.Context, id string) (domain.ProjectView, error)
	List(ctx context.Context, userID string) ([]domain.ProjectView, error)
	Start(ctx context.Context, id, password string) (workspace.ActionResult, error)
	Stop(ctx context.Context, id, password string) (workspace.ActionResult, error)
	Delete(ctx context.Context, id, password string) (workspace.ActionResult, error)
	Notes(ctx context.Context, id string) (string, error)
	UpdateNotes(ctx context.Context, id, text string) error
	UpdateGroup(ctx context.Context, id, group string) (string, error)
	Groups(ctx context.Context, userID string) []domain.GroupCount
	Cleanup(ctx context.Context) (int, error)
	Stats() domain.Stats
	Limits() domain.Limits
	CheckOwner(id, userID string) error
}

// EventHub accepts streaming subscribers per user.
type EventHub interface {
	Register(userID string, client ws.Subscriber)
	Unregister(userID string, client ws.Subscriber)
}

// PublicConfig is served to browser clients from /api/config.
type PublicConfig struct {
	GitServerEnabled bool   `json:"gitServerEnabled"`
	GitServerURL     string `json:"gitServerUrl,omitempty"`
	ShowDiskUsage    bool   `json:"showDiskUsage"`
	BaseDomain       string `json:"baseDomain"`
	BasePort         string `json:"basePort"`
	Protocol         string `json:"protocol"`
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Options carries the Router dependencies. Hub, Limiter, Health and
// Registerer are optional.
type Options struct {
	Logger        *slog.Logger
	Service       WorkspaceService
	Hub           EventHub
	Limiter       RateLimiter
	JWTSecret     string
	DefaultUserID string
	Operators     []string
	Public        PublicConfig
	Health        map[string]HealthCheck
	Registerer    prometheus.Registerer
	Gatherer      prometheus.Gatherer
}

// Router wires HTTP endpoints to the workspace service.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	svc           WorkspaceService
	hub           EventHub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	jwtSecret     string
	defaultUserID string
	operators     map[string]struct{}
	public        PublicConfig
	health        map[string]HealthCheck
	metrics       *routerMetrics
	gatherer      prometheus.Gatherer
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
	maxBodyBytes       = 64 << 10
)

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		svc:    opts.Service,
		hub:    opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       opts.Limiter,
		jwtSecret:     strings.TrimSpace(opts.JWTSecret),
		defaultUserID: opts.DefaultUserID,
		public:        opts.Public,
		health:        opts.Health,
		metrics:       newRouterMetrics(opts.Registerer),
		gatherer:      opts.Gatherer,
	}
	if r.defaultUserID == "" {
		r.defaultUserID = "default"
	}
	r.operators = map[string]struct{}{r.defaultUserID: {}}
	for _, id := range opts.Operators {
		if id = strings.TrimSpace(id); id != "" {
			r.operators[id] = struct{}{}
		}
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
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
	r.handle("GET /api/health", r.handleHealth)
	r.handle("GET /api/config", r.handleConfig)
	r.handle("GET /api/limits", r.handleLimits)

	r.handle("POST /api/projects/create", r.authed(policyCreate, r.handleCreate))
	r.handle("GET /api/projects", r.authed(policyRead, r.handleList))
	r.handle("GET /api/projects/{id}", r.authed(policyRead, r.owned(r.handleGet)))
	r.handle("DELETE /api/projects/{id}", r.lifecycle(r.handleDelete))
	r.handle("POST /api/projects/{id}/start", r.lifecycle(r.handleStart))
	r.handle("POST /api/projects/{id}/stop", r.lifecycle(r.handleStop))
	r.handle("GET /api/projects/{id}/notes", r.authed(policyRead, r.owned(r.handleGetNotes)))
	r.handle("PUT /api/projects/{id}/notes", r.authed(policyWrite, r.owned(r.handlePutNotes)))
	r.handle("PUT /api/projects/{id}/group", r.authed(policyWrite, r.owned(r.handlePutGroup)))
	r.handle("GET /api/groups", r.authed(policyRead, r.handleGroups))

	r.handle("GET /api/workspace/stats", r.authed(policyRead, r.operator(r.handleStats)))
	r.handle("POST /api/workspace/cleanup", r.authed(policyWrite, r.operator(r.handleCleanup)))

	r.handle("GET /ws/projects", r.authed(policyStream, r.handleProjectsWS))
	r.handle("GET /api/events", r.authed(policyStream, r.handleProjectsSSE))

	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/", r.audit(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	}))
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(h))
}

// operator restricts fleet-wide routes to the configured operator users.
func (r *Router) operator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if _, ok := r.operators[userIDFromContext(req.Context())]; !ok {
			writeError(w, http.StatusForbidden, "operator access required")
			return
		}
		next(w, req)
	}
}

// owned rejects requests for projects owned by another user.
func (r *Router) owned(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := r.svc.CheckOwner(req.PathValue("id"), userIDFromContext(req.Context())); err != nil {
			writeFailure(w, "access project", err)
			return
		}
		next(w, req)
	}
}

type createRequest struct {
	ProjectName       string `json:"projectName"`
	ProjectType       string `json:"projectType"`
	MemoryLimit       string `json:"memoryLimit"`
	CPUCores          int    `json:"cpuCores"`
	PasswordProtected bool   `json:"passwordProtected"`
	Password          string `json:"password"`
	CreateGitRepo     bool   `json:"createGitRepo"`
	GitURL            string `json:"gitUrl"`
	GitUsername       string `json:"gitUsername"`
	GitToken          string `json:"gitToken"`
	Group             string `json:"group"`
}

func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) {
	var payload createRequest
	if !decodeBody(w, req, &payload, false) {
		return
	}
	result, err := r.svc.Create(req.Context(), workspace.CreateInput{
		UserID:            userIDFromContext(req.Context()),
		Name:              payload.ProjectName,
		Type:              payload.ProjectType,
		MemoryLimit:       payload.MemoryLimit,
		CPUCores:          payload.CPUCores,
		PasswordProtected: payload.PasswordProtected,
		Password:          payload.Password,
		CreateGitRepo:     payload.CreateGitRepo,
		GitURL:            payload.GitURL,
		GitUsername:       payload.GitUsername,
		GitToken:          payload.GitToken,
		Group:             payload.Group,
	})
	if err != nil {
		writeFailure(w, "create project", err)
		return
	}
	body := map[string]any{"success": true, "project": result.Project}
	if result.Password != "" {
		body["password"] = result.Password
	}
	writeJSON(w, http.StatusCreated, body)
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	projects, err := r.svc.List(req.Context(), userIDFromContext(req.Context()))
	if err != nil {
		writeFailure(w, "list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "projects": projects, "count": len(projects)})
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	project, err := r.svc.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		writeFailure(w, "get project", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "project": project})
}

type passwordRequest struct {
	Password string `json:"password"`
}

// workspacePassword reads the project password from the X-Workspace-Password
// header or the JSON body.
func workspacePassword(w http.ResponseWriter, req *http.Request) (string, bool) {
	if pw := req.Header.Get("X-Workspace-Password"); pw != "" {
		return pw, true
	}
	var payload passwordRequest
	if !decodeBody(w, req, &payload, true) {
		return "", false
	}
	return payload.Password, true
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	r.lifecycleAction(w, req, "start project", r.svc.Start)
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	r.lifecycleAction(w, req, "stop project", r.svc.Stop)
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	r.lifecycleAction(w, req, "delete project", r.svc.Delete)
}

func (r *Router) lifecycleAction(w http.ResponseWriter, req *http.Request, action string, op func(context.Context, string, string) (workspace.ActionResult, error)) {
	password, ok := workspacePassword(w, req)
	if !ok {
		return
	}
	result, err := op(req.Context(), req.PathValue("id"), password)
	if err != nil {
		writeFailure(w, action, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"projectId":    result.ProjectID,
		"status":       result.Status,
		"message":      result.Message,
		"workspaceUrl": result.WorkspaceURL,
	})
}

func (r *Router) handleGetNotes(w http.ResponseWriter, req *http.Request) {
	notes, err := r.svc.Notes(req.Context(), req.PathValue("id"))
	if err != nil {
		writeFailure(w, "get notes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "notes": notes})
}

func (r *Router) handlePutNotes(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Notes string `json:"notes"`
	}
	if !decodeBody(w, req, &payload, false) {
		return
	}
	if err := r.svc.UpdateNotes(req.Context(), req.PathValue("id"), payload.Notes); err != nil {
		writeFailure(w, "update notes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Notes updated"})
}

func (r *Router) handlePutGroup(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Group string `json:"group"`
	}
	if !decodeBody(w, req, &payload, false) {
		return
	}
	group, err := r.svc.UpdateGroup(req.Context(), req.PathValue("id"), payload.Group)
	if err != nil {
		writeFailure(w, "update group", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "group": group})
}

func (r *Router) handleGroups(w http.ResponseWriter, req *http.Request) {
	groups := r.svc.Groups(req.Context(), userIDFromContext(req.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "groups": groups})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": r.svc.Stats()})
}

func (r *Router) handleCleanup(w http.ResponseWriter, req *http.Request) {
	removed, err := r.svc.Cleanup(req.Context())
	if err != nil {
		writeFailure(w, "cleanup workspaces", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Workspace cleanup completed",
		"removed": removed,
	})
}

func (r *Router) handleConfig(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.public)
}

func (r *Router) handleLimits(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.svc.Limits())
}

func (r *Router) handleProjectsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	userID := userIDFromContext(req.Context())
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(userID, client)
	go func() {
		defer func() {
			r.hub.Unregister(userID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleProjectsSSE(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	userID := userIDFromContext(req.Context())
	client := ws.NewSSEStream(w, flusher)
	r.hub.Register(userID, client)
	defer func() {
		r.hub.Unregister(userID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "healthy"
	for name, check := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// decodeBody decodes a JSON body. An empty body is accepted when optional.
func decodeBody(w http.ResponseWriter, req *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func userIDFromContext(ctx context.Context) string {
	info, _ := authInfoFromContext(ctx)
	return info.UserID
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" || route == "/" {
			route = "unmatched"
		}
		r.metrics.recordRequest(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
