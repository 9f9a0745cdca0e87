package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/internal/service/workspace"
	"github.com/splax/devspace/internal/ws"
	jwtpkg "github.com/splax/devspace/pkg/jwt"
)

type serviceStub struct {
	mu        sync.Mutex
	created   []workspace.CreateInput
	createErr error
	actions   []string
	actionErr error
	owners    map[string]string
	notes     map[string]string
	listUser  string
}

func newServiceStub() *serviceStub {
	return &serviceStub{owners: map[string]string{}, notes: map[string]string{}}
}

func (s *serviceStub) Create(_ context.Context, in workspace.CreateInput) (workspace.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return workspace.CreateResult{}, s.createErr
	}
	s.created = append(s.created, in)
	id := fmt.Sprintf("p%d", len(s.created))
	s.owners[id] = in.UserID
	res := workspace.CreateResult{Project: domain.ProjectView{ID: id, Name: in.Name, Status: domain.StatusCreating}}
	if in.PasswordProtected {
		res.Password = in.Password
	}
	return res, nil
}

func (s *serviceStub) Get(_ context.Context, id string) (domain.ProjectView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[id]; !ok {
		return domain.ProjectView{}, fmt.Errorf("%w: %s", workspace.ErrNotFound, id)
	}
	return domain.ProjectView{ID: id, Status: domain.StatusRunning}, nil
}

func (s *serviceStub) List(_ context.Context, userID string) ([]domain.ProjectView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listUser = userID
	return []domain.ProjectView{{ID: "p1"}, {ID: "p2"}}, nil
}

func (s *serviceStub) action(name, id, password string) (workspace.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, name+":"+id+":"+password)
	if s.actionErr != nil {
		return workspace.ActionResult{}, s.actionErr
	}
	return workspace.ActionResult{ProjectID: id, Status: domain.StatusRunning, Message: "Workspace started"}, nil
}

func (s *serviceStub) Start(_ context.Context, id, password string) (workspace.ActionResult, error) {
	return s.action("start", id, password)
}

func (s *serviceStub) Stop(_ context.Context, id, password string) (workspace.ActionResult, error) {
	return s.action("stop", id, password)
}

func (s *serviceStub) Delete(_ context.Context, id, password string) (workspace.ActionResult, error) {
	return s.action("delete", id, password)
}

func (s *serviceStub) Notes(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notes[id], nil
}

func (s *serviceStub) UpdateNotes(_ context.Context, id, text string) error {
	if len(text) > domain.MaxNotesBytes {
		return fmt.Errorf("%w: notes too long", workspace.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[id] = text
	return nil
}

func (s *serviceStub) UpdateGroup(_ context.Context, _, group string) (string, error) {
	if strings.Contains(group, "/") {
		return "", fmt.Errorf("%w: bad group", workspace.ErrValidation)
	}
	return group, nil
}

func (s *serviceStub) Groups(context.Context, string) []domain.GroupCount {
	return []domain.GroupCount{{Name: domain.DefaultGroup, Count: 2}}
}

func (s *serviceStub) Cleanup(context.Context) (int, error) { return 3, nil }

func (s *serviceStub) Stats() domain.Stats {
	return domain.Stats{TotalProjects: 2, RunningProjects: 1, MaxWorkspacesPerUser: 5}
}

func (s *serviceStub) Limits() domain.Limits { return domain.DefaultLimits(5) }

func (s *serviceStub) CheckOwner(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[id]; ok && owner != userID {
		return fmt.Errorf("%w: %s", workspace.ErrNotFound, id)
	}
	return nil
}

type rateLimiterStub struct {
	mu     sync.Mutex
	calls  []string
	takeFn func(b rateBucket) rateDecision
}

func (l *rateLimiterStub) Take(_ context.Context, b rateBucket) rateDecision {
	l.mu.Lock()
	l.calls = append(l.calls, b.key)
	fn := l.takeFn
	l.mu.Unlock()
	if fn != nil {
		return fn(b)
	}
	return rateDecision{allowed: true, remaining: b.limit - 1}
}

func (l *rateLimiterStub) Close() {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, svc *serviceStub, mutate ...func(*Options)) *Router {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts := Options{
		Logger:        discardLogger(),
		Service:       svc,
		Limiter:       &rateLimiterStub{},
		DefaultUserID: "default",
		Public:        PublicConfig{BaseDomain: "localhost", BasePort: "80", Protocol: "http"},
		Registerer:    reg,
		Gatherer:      reg,
	}
	for _, m := range mutate {
		m(&opts)
	}
	r := NewRouter(opts)
	t.Cleanup(r.Close)
	return r
}

func do(r http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestCreateProject(t *testing.T) {
	svc := newServiceStub()
	r := newTestRouter(t, svc)

	rr := do(r, http.MethodPost, "/api/projects/create", map[string]any{
		"projectName":       "demo",
		"projectType":       "empty",
		"memoryLimit":       "8g",
		"cpuCores":          4,
		"passwordProtected": true,
		"password":          "password123",
		"group":             "Team-A",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "password123", body["password"])
	project := body["project"].(map[string]any)
	assert.Equal(t, "p1", project["projectId"])
	assert.Nil(t, project["workspaceUrl"])

	require.Len(t, svc.created, 1)
	in := svc.created[0]
	assert.Equal(t, "default", in.UserID)
	assert.Equal(t, "8g", in.MemoryLimit)
	assert.Equal(t, 4, in.CPUCores)
	assert.Equal(t, "Team-A", in.Group)
}

func TestCreateProjectRejectsBadJSON(t *testing.T) {
	r := newTestRouter(t, newServiceStub())
	req := httptest.NewRequest(http.MethodPost, "/api/projects/create", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: x", workspace.ErrValidation):   http.StatusBadRequest,
		fmt.Errorf("%w: x", workspace.ErrUnauthorized): http.StatusUnauthorized,
		fmt.Errorf("%w: x", workspace.ErrNotFound):     http.StatusNotFound,
		fmt.Errorf("%w: x", workspace.ErrCapacity):     http.StatusConflict,
		fmt.Errorf("%w: x", workspace.ErrProvisioning): http.StatusBadGateway,
		fmt.Errorf("boom"):                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		svc := newServiceStub()
		svc.createErr = err
		r := newTestRouter(t, svc)
		rr := do(r, http.MethodPost, "/api/projects/create", map[string]any{"projectName": "x", "projectType": "empty"})
		assert.Equal(t, want, rr.Code, err.Error())
		body := decode(t, rr)
		assert.Equal(t, "Failed to create project", body["error"])
		assert.Equal(t, err.Error(), body["message"])
	}
}

func TestLifecycleActionsPassPassword(t *testing.T) {
	svc := newServiceStub()
	r := newTestRouter(t, svc)

	rr := do(r, http.MethodPost, "/api/projects/p1/start", map[string]string{"password": "from-body"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Workspace started", decode(t, rr)["message"])

	rr = do(r, http.MethodPost, "/api/projects/p1/stop", nil, "X-Workspace-Password", "from-header")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(r, http.MethodDelete, "/api/projects/p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, []string{"start:p1:from-body", "stop:p1:from-header", "delete:p1:"}, svc.actions)

	svc.actionErr = workspace.ErrUnauthorized
	rr = do(r, http.MethodPost, "/api/projects/p1/start", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGetProjectNotFound(t *testing.T) {
	r := newTestRouter(t, newServiceStub())
	rr := do(r, http.MethodGet, "/api/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Failed to get project", decode(t, rr)["error"])
}

func TestNotesAndGroups(t *testing.T) {
	svc := newServiceStub()
	r := newTestRouter(t, svc)

	rr := do(r, http.MethodPut, "/api/projects/p1/notes", map[string]string{"notes": "todo"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(r, http.MethodGet, "/api/projects/p1/notes", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "todo", decode(t, rr)["notes"])

	rr = do(r, http.MethodPut, "/api/projects/p1/notes", map[string]string{"notes": strings.Repeat("x", domain.MaxNotesBytes+1)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(r, http.MethodPut, "/api/projects/p1/group", map[string]string{"group": "bad/name"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(r, http.MethodPut, "/api/projects/p1/group", map[string]string{"group": "Team-A"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Team-A", decode(t, rr)["group"])

	rr = do(r, http.MethodGet, "/api/groups", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	groups := decode(t, rr)["groups"].([]any)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.DefaultGroup, groups[0].(map[string]any)["name"])
}

func TestListStatsCleanupAndPublicEndpoints(t *testing.T) {
	r := newTestRouter(t, newServiceStub(), func(o *Options) {
		o.Health = map[string]HealthCheck{"docker": func(context.Context) error { return nil }}
	})

	rr := do(r, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decode(t, rr)["count"])

	rr = do(r, http.MethodGet, "/api/workspace/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode(t, rr)["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["runningProjects"])

	rr = do(r, http.MethodPost, "/api/workspace/cleanup", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 3, decode(t, rr)["removed"])

	rr = do(r, http.MethodGet, "/api/limits", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 5, decode(t, rr)["maxWorkspacesPerUser"])

	rr = do(r, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "localhost", decode(t, rr)["baseDomain"])

	rr = do(r, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", decode(t, rr)["status"])

	rr = do(r, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "devspace_api_http_requests_total")
}

func TestHealthDegraded(t *testing.T) {
	r := newTestRouter(t, newServiceStub(), func(o *Options) {
		o.Health = map[string]HealthCheck{"docker": func(context.Context) error { return fmt.Errorf("daemon unreachable") }}
	})
	rr := do(r, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "daemon unreachable")
}

func TestJWTAuthScopesProjectsToUser(t *testing.T) {
	svc := newServiceStub()
	r := newTestRouter(t, svc, func(o *Options) { o.JWTSecret = "test-secret" })

	rr := do(r, http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = do(r, http.MethodGet, "/api/projects", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	alice, err := jwtpkg.GenerateToken("alice", "test-secret", time.Hour)
	require.NoError(t, err)
	bob, err := jwtpkg.GenerateToken("bob", "test-secret", time.Hour)
	require.NoError(t, err)

	rr = do(r, http.MethodPost, "/api/projects/create", map[string]any{"projectName": "x", "projectType": "empty"}, "Authorization", "Bearer "+alice)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "alice", svc.created[0].UserID)

	rr = do(r, http.MethodGet, "/api/projects", nil, "Authorization", "Bearer "+bob)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "bob", svc.listUser)

	rr = do(r, http.MethodGet, "/api/projects/p1", nil, "Authorization", "Bearer "+bob)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(r, http.MethodDelete, "/api/projects/p1", nil, "Authorization", "Bearer "+bob)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, svc.actions)

	rr = do(r, http.MethodGet, "/api/projects/p1", nil, "Authorization", "Bearer "+alice)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimitRejects(t *testing.T) {
	limiter := &rateLimiterStub{}
	reset := time.Now().Add(90 * time.Second)
	limiter.takeFn = func(b rateBucket) rateDecision {
		return rateDecision{allowed: false, resetAt: reset}
	}
	r := newTestRouter(t, newServiceStub(), func(o *Options) { o.Limiter = limiter })

	rr := do(r, http.MethodGet, "/api/projects", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "240", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(reset.Unix(), 10), rr.Header().Get("X-RateLimit-Reset"))
	retry, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 90, retry, 2)
	assert.Equal(t, []string{"user:default:read"}, limiter.calls)
}

func TestLifecycleChargesUserAndProjectBudgets(t *testing.T) {
	limiter := &rateLimiterStub{}
	svc := newServiceStub()
	r := newTestRouter(t, svc, func(o *Options) { o.Limiter = limiter })

	rr := do(r, http.MethodPost, "/api/projects/p1/start", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"user:default:write", "project:p1:lifecycle"}, limiter.calls)
}

func TestProjectBudgetSharedAcrossActions(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	r := newTestRouter(t, newServiceStub(), func(o *Options) { o.Limiter = limiter })

	for i := 0; i < policyLifecycle.limit; i++ {
		path := "/api/projects/p1/start"
		if i%2 == 1 {
			path = "/api/projects/p1/stop"
		}
		rr := do(r, http.MethodPost, path, nil)
		require.Equal(t, http.StatusOK, rr.Code, "request %d: %s", i, rr.Body.String())
	}
	rr := do(r, http.MethodPost, "/api/projects/p1/stop", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = do(r, http.MethodPost, "/api/projects/p2/start", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestForeignProjectDoesNotSpendOwnerBudget(t *testing.T) {
	const secret = "test-secret"
	limiter := &rateLimiterStub{}
	svc := newServiceStub()
	svc.owners["p1"] = "alice"
	r := newTestRouter(t, svc, func(o *Options) {
		o.JWTSecret = secret
		o.Limiter = limiter
	})
	token, err := jwtpkg.GenerateToken("mallory", secret, time.Hour)
	require.NoError(t, err)

	rr := do(r, http.MethodPost, "/api/projects/p1/stop", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, []string{"user:mallory:write"}, limiter.calls)
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	t.Cleanup(rl.Close)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()
	k := rateBucket{key: "k", limit: 2, window: time.Minute}

	first := rl.Take(ctx, k)
	assert.True(t, first.allowed)
	assert.Equal(t, 1, first.remaining)
	assert.Equal(t, now.Add(time.Minute), first.resetAt)
	assert.True(t, rl.Take(ctx, k).allowed)
	denied := rl.Take(ctx, k)
	assert.False(t, denied.allowed)
	assert.Zero(t, denied.remaining)
	assert.True(t, rl.Take(ctx, rateBucket{key: "other", limit: 2, window: time.Minute}).allowed)

	now = now.Add(memorySweepEvery)
	assert.True(t, rl.Take(ctx, k).allowed)
	assert.Len(t, rl.windows, 1)
}

func TestFleetRoutesRequireOperator(t *testing.T) {
	const secret = "test-secret"
	r := newTestRouter(t, newServiceStub(), func(o *Options) {
		o.JWTSecret = secret
		o.Operators = []string{"ops"}
	})
	user, err := jwtpkg.GenerateToken("alice", secret, time.Hour)
	require.NoError(t, err)
	ops, err := jwtpkg.GenerateToken("ops", secret, time.Hour)
	require.NoError(t, err)

	rr := do(r, http.MethodGet, "/api/workspace/stats", nil, "Authorization", "Bearer "+user)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = do(r, http.MethodPost, "/api/workspace/cleanup", nil, "Authorization", "Bearer "+user)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(r, http.MethodGet, "/api/workspace/stats", nil, "Authorization", "Bearer "+ops)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(r, http.MethodPost, "/api/workspace/cleanup", nil, "Authorization", "Bearer "+ops)
	assert.Equal(t, http.StatusOK, rr.Code)
}

type hubStub struct {
	mu      sync.Mutex
	users   []string
	clients []ws.Subscriber
}

func (h *hubStub) Register(userID string, client ws.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users = append(h.users, userID)
	h.clients = append(h.clients, client)
}

func (h *hubStub) Unregister(string, ws.Subscriber) {}

func TestEventStreamDisabledWithoutHub(t *testing.T) {
	r := newTestRouter(t, newServiceStub())
	rr := do(r, http.MethodGet, "/api/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSSEStreamRegistersUser(t *testing.T) {
	hub := &hubStub{}
	r := newTestRouter(t, newServiceStub(), func(o *Options) { o.Hub = hub })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.mu.Lock()
	client := hub.clients[0]
	assert.Equal(t, []string{"default"}, hub.users)
	hub.mu.Unlock()
	require.NoError(t, client.Send(domain.ProjectEvent{Type: "ready", ProjectID: "p1", UserID: "default", Status: domain.StatusRunning}))

	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	frame := string(buf[:n])
	assert.True(t, strings.HasPrefix(frame, "id: 1\nevent: ready\ndata: "), frame)
	assert.Contains(t, frame, `"projectId":"p1"`)
}
