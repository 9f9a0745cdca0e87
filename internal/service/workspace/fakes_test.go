package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/devspace/internal/docker"
	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/internal/git"
	"github.com/splax/devspace/pkg/config"
)

type fakeContainer struct {
	spec     docker.WorkspaceSpec
	running  bool
	networks []string
	sizeRw   int64
}

type execCall struct {
	name string
	req  docker.ExecRequest
}

type fakeRuntime struct {
	mu             sync.Mutex
	containers     map[string]*fakeContainer
	calls          map[string]int
	execs          []execCall
	createErr      error
	networkMissing bool
	execHook       func(req docker.ExecRequest) (docker.ExecResult, error)
	inspectEntered chan struct{}
	inspectRelease chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]*fakeContainer{}, calls: map[string]int{}}
}

func (f *fakeRuntime) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRuntime) container(name string) (*fakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (f *fakeRuntime) drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
}

func (f *fakeRuntime) setRunning(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name].running = running
}

func (f *fakeRuntime) detach(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name].networks = nil
}

func (f *fakeRuntime) execsFor(name string) []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []execCall
	for _, e := range f.execs {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func notFound(name string) error {
	return fmt.Errorf("%w: container %s", docker.ErrNotFound, name)
}

func (f *fakeRuntime) CreateWorkspace(_ context.Context, spec docker.WorkspaceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateWorkspace"]++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.containers[spec.Name] = &fakeContainer{spec: spec, running: true, networks: []string{spec.Network}, sizeRw: 3 << 20}
	return "id-" + spec.Name, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["StartContainer"]++
	c, ok := f.containers[name]
	if !ok {
		return notFound(name)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["StopContainer"]++
	c, ok := f.containers[name]
	if !ok {
		return notFound(name)
	}
	c.running = false
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["RemoveContainer"]++
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) InspectContainer(_ context.Context, name string, _ bool) (docker.ContainerState, error) {
	f.mu.Lock()
	f.calls["InspectContainer"]++
	c, ok := f.containers[name]
	var state docker.ContainerState
	if ok {
		state = c.state(name)
	}
	entered, release := f.inspectEntered, f.inspectRelease
	f.inspectEntered, f.inspectRelease = nil, nil
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if !ok {
		return docker.ContainerState{}, notFound(name)
	}
	return state, nil
}

// gateInspect makes the next InspectContainer call observe the current state
// and then block until the returned release func runs. The returned channel
// receives once that call is blocked.
func (f *fakeRuntime) gateInspect() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectEntered = make(chan struct{}, 1)
	f.inspectRelease = make(chan struct{})
	release := f.inspectRelease
	return f.inspectEntered, func() { close(release) }
}

func (f *fakeRuntime) ListContainers(_ context.Context, _ map[string]string, _ bool) ([]docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListContainers"]++
	out := make([]docker.ContainerState, 0, len(f.containers))
	for name, c := range f.containers {
		out = append(out, c.state(name))
	}
	return out, nil
}

func (c *fakeContainer) state(name string) docker.ContainerState {
	state := "exited"
	if c.running {
		state = "running"
	}
	return docker.ContainerState{
		Name:     name,
		State:    state,
		Running:  c.running,
		Networks: append([]string(nil), c.networks...),
		SizeRw:   c.sizeRw,
	}
}

func (f *fakeRuntime) Exec(_ context.Context, name string, req docker.ExecRequest) (docker.ExecResult, error) {
	f.mu.Lock()
	f.calls["Exec"]++
	f.execs = append(f.execs, execCall{name: name, req: req})
	_, ok := f.containers[name]
	hook := f.execHook
	f.mu.Unlock()
	if !ok {
		return docker.ExecResult{}, notFound(name)
	}
	if hook != nil {
		return hook(req)
	}
	return docker.ExecResult{}, nil
}

func (f *fakeRuntime) EnsureNetwork(_ context.Context, name, network, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["EnsureNetwork"]++
	if f.networkMissing {
		return false, fmt.Errorf("%w: network %q does not exist", docker.ErrNetworkMissing, network)
	}
	c, ok := f.containers[name]
	if !ok {
		return false, notFound(name)
	}
	for _, n := range c.networks {
		if n == network {
			return false, nil
		}
	}
	c.networks = append(c.networks, network)
	return true, nil
}

type fakeProber struct {
	mu      sync.Mutex
	ready   bool
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (p *fakeProber) WaitReady(_ context.Context, _ string) bool {
	p.mu.Lock()
	p.calls++
	entered, release := p.entered, p.release
	p.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	return p.ready
}

// gate makes the next WaitReady calls block until the returned release func
// runs. The returned channel receives once a call is blocked.
func (p *fakeProber) gate() (<-chan struct{}, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entered = make(chan struct{}, 1)
	p.release = make(chan struct{})
	release := p.release
	return p.entered, func() { close(release) }
}

type memoryStore struct {
	mu       sync.Mutex
	records  map[string][]byte
	lastJSON string
	saves    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string][]byte{}}
}

func (m *memoryStore) SaveAll(_ context.Context, projects []*domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.records = map[string][]byte{}
	var all []string
	for _, p := range projects {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		m.records[p.ID] = data
		all = append(all, string(data))
	}
	m.lastJSON = strings.Join(all, "\n")
	return nil
}

func (m *memoryStore) LoadAll(_ context.Context) ([]*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Project, 0, len(m.records))
	for _, data := range m.records {
		var p domain.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}

func (m *memoryStore) snapshot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastJSON
}

func (m *memoryStore) put(p *domain.Project) {
	data, _ := json.Marshal(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.ID] = data
}

type fakeGitHost struct {
	enabled   bool
	available bool
	err       error
	created   []string
}

func (g *fakeGitHost) Enabled() bool                    { return g.enabled }
func (g *fakeGitHost) IsAvailable(context.Context) bool { return g.available }
func (g *fakeGitHost) Credentials() (string, string)    { return "developer", "admin-pass" }
func (g *fakeGitHost) CreateRepository(_ context.Context, name, _ string, private bool) (git.Repository, error) {
	if g.err != nil {
		return git.Repository{}, g.err
	}
	repo := git.SanitizeName(name)
	g.created = append(g.created, repo)
	return git.Repository{
		Name:             repo,
		CloneURL:         "http://forgejo:3000/developer/" + repo + ".git",
		InternalCloneURL: "http://forgejo:3000/developer/" + repo + ".git",
		WebURL:           "http://localhost/git/developer/" + repo,
		Private:          private,
	}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ProjectEvent
}

func (r *recordingPublisher) Publish(ev domain.ProjectEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) types(projectID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.ProjectID == projectID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	svc     *Service
	runtime *fakeRuntime
	store   *memoryStore
	prober  *fakeProber
	git     *fakeGitHost
	events  *recordingPublisher
	cfg     config.WorkspaceConfig
	clock   *stepClock
	ids     int
}

func testConfig() config.WorkspaceConfig {
	return config.WorkspaceConfig{
		DockerNetwork:        "devspace-network",
		WorkspaceImage:       "devspace-workspace:test",
		MaxWorkspacesPerUser: 5,
		StopGracePeriod:      10 * time.Second,
		ProvisionTimeout:     time.Minute,
		BaseDomain:           "localhost",
		BasePort:             80,
		Protocol:             "http",
		DefaultUserID:        "default",
	}
}

func newHarness(t *testing.T, mutators ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		runtime: newFakeRuntime(),
		store:   newMemoryStore(),
		prober:  &fakeProber{ready: true},
		git:     &fakeGitHost{},
		events:  &recordingPublisher{},
		cfg:     testConfig(),
		clock:   &stepClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, m := range mutators {
		m(h)
	}
	h.svc = h.build()
	t.Cleanup(h.svc.Wait)
	return h
}

// build returns a fresh Service over the harness collaborators, as after a
// process restart.
func (h *harness) build() *Service {
	return New(h.cfg, Dependencies{
		Store:      h.store,
		Runtime:    h.runtime,
		Prober:     h.prober,
		Git:        h.git,
		Events:     h.events,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: prometheus.NewRegistry(),
		Now:        h.clock.Now,
		NewID: func() string {
			h.ids++
			return fmt.Sprintf("p%d", h.ids)
		},
	})
}
