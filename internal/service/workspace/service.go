package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/splax/devspace/internal/docker"
	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/internal/git"
	"github.com/splax/devspace/internal/repository"
	"github.com/splax/devspace/pkg/config"
	"github.com/splax/devspace/pkg/crypto"
)

const persistTimeout = 10 * time.Second

// Runtime is the container runtime driven by the Service.
type Runtime interface {
	CreateWorkspace(ctx context.Context, spec docker.WorkspaceSpec) (string, error)
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string, grace time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
	InspectContainer(ctx context.Context, name string, withSize bool) (docker.ContainerState, error)
	ListContainers(ctx context.Context, labels map[string]string, withSize bool) ([]docker.ContainerState, error)
	Exec(ctx context.Context, name string, req docker.ExecRequest) (docker.ExecResult, error)
	EnsureNetwork(ctx context.Context, name, network, alias string) (bool, error)
}

// Prober waits for the IDE inside a container to answer.
type Prober interface {
	WaitReady(ctx context.Context, name string) bool
}

// GitHost provisions repositories on the local Git server.
type GitHost interface {
	Enabled() bool
	IsAvailable(ctx context.Context) bool
	CreateRepository(ctx context.Context, name, description string, private bool) (git.Repository, error)
	Credentials() (string, string)
}

// Publisher receives project status changes.
type Publisher interface {
	Publish(event domain.ProjectEvent)
}

// Dependencies are the collaborators of a Service. Git, Events and Registerer
// are optional.
type Dependencies struct {
	Store      repository.ProjectStore
	Runtime    Runtime
	Prober     Prober
	Git        GitHost
	Events     Publisher
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
	NewID      func() string
}

// Service is the workspace lifecycle orchestrator. The in-memory map is the
// source of truth and the store mirrors it after every change.
type Service struct {
	cfg     config.WorkspaceConfig
	store   repository.ProjectStore
	runtime Runtime
	prober  Prober
	git     GitHost
	events  Publisher
	logger  *slog.Logger
	metrics *metrics
	now     func() time.Time
	newID   func() string

	mu        sync.RWMutex
	projects  map[string]*domain.Project
	revs      map[string]uint64
	ops       *keyedMutex
	persistMu sync.Mutex
	tasks     sync.WaitGroup
}

// New returns a workspace service.
func New(cfg config.WorkspaceConfig, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	if cfg.MaxWorkspacesPerUser <= 0 {
		cfg.MaxWorkspacesPerUser = 5
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 10 * time.Minute
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 10 * time.Second
	}
	if cfg.DefaultUserID == "" {
		cfg.DefaultUserID = "default"
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		runtime:  deps.Runtime,
		prober:   deps.Prober,
		git:      deps.Git,
		events:   deps.Events,
		logger:   logger.With("component", "workspace"),
		metrics:  newMetrics(deps.Registerer),
		now:      now,
		newID:    newID,
		projects: make(map[string]*domain.Project),
		revs:     make(map[string]uint64),
		ops:      newKeyedMutex(),
	}
}

// CreateResult is returned once per creation. Password echoes the plaintext
// password for display and is never available again.
type CreateResult struct {
	Project  domain.ProjectView `json:"project"`
	Password string             `json:"password,omitempty"`
}

// ActionResult describes the outcome of start, stop and delete.
type ActionResult struct {
	ProjectID    string               `json:"projectId"`
	Status       domain.ProjectStatus `json:"status"`
	Message      string               `json:"message"`
	WorkspaceURL string               `json:"workspaceUrl,omitempty"`
}

// Create registers a project in the creating state, persists it and starts
// provisioning in the background.
func (s *Service) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	valid, err := validateCreate(in)
	if err != nil {
		return CreateResult{}, err
	}
	userID := s.userID(in.UserID)

	var hash string
	if in.PasswordProtected {
		hash, err = crypto.HashPassword(in.Password)
		if err != nil {
			return CreateResult{}, fmt.Errorf("%w: hash password: %v", ErrProvisioning, err)
		}
	}

	now := s.now().UTC()
	project := &domain.Project{
		ID:                s.newID(),
		Name:              valid.name,
		Type:              valid.typ,
		UserID:            userID,
		MemoryLimit:       valid.memory,
		CPUCores:          valid.cpu,
		PasswordProtected: in.PasswordProtected,
		PasswordHash:      hash,
		CreateGitRepo:     in.CreateGitRepo,
		GitURL:            valid.gitURL,
		GitUsername:       valid.gitUsername,
		Group:             valid.group,
		Status:            domain.StatusCreating,
		CreatedAt:         now,
		LastAccessed:      now,
	}

	s.mu.Lock()
	if s.countForUser(userID) >= s.cfg.MaxWorkspacesPerUser {
		s.mu.Unlock()
		return CreateResult{}, fmt.Errorf("%w: at most %d workspaces per user", ErrCapacity, s.cfg.MaxWorkspacesPerUser)
	}
	s.projects[project.ID] = project
	view := project.View(domain.StatusCreating)
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		s.forget(project.ID)
		s.mu.Unlock()
		return CreateResult{}, fmt.Errorf("%w: persist project: %v", ErrProvisioning, err)
	}

	s.logger.Info("workspace creation accepted",
		"project_id", project.ID,
		"user_id", userID,
		"type", project.Type,
		"memory", project.MemoryLimit,
		"cpus", project.CPUCores,
		"git_url", git.RedactURL(project.GitURL),
		"create_git_repo", project.CreateGitRepo,
	)
	s.publish(project, domain.StatusCreating, "created")

	s.tasks.Add(1)
	go s.provision(project.ID, provisionSecrets{password: in.Password, gitToken: valid.gitToken})

	result := CreateResult{Project: view}
	if in.PasswordProtected {
		result.Password = in.Password
	}
	return result, nil
}

// Get returns one project merged with its live runtime state.
func (s *Service) Get(ctx context.Context, id string) (domain.ProjectView, error) {
	s.mu.Lock()
	p, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return domain.ProjectView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.LastAccessed = s.now().UTC()
	snapshot := p.Clone()
	rev := s.revs[id]
	s.mu.Unlock()

	state, err := s.runtime.InspectContainer(ctx, snapshot.ContainerName(), s.cfg.ShowDiskUsage)
	var observed domain.ProjectStatus
	switch {
	case err == nil:
		observed = observedStatus(state)
	case errors.Is(err, docker.ErrNotFound):
		observed = domain.StatusNotFound
	default:
		s.logger.Warn("inspect workspace failed", "project_id", id, "error", err)
		view := snapshot.View(mergeStatus(snapshot, domain.StatusError))
		return view, nil
	}

	status := mergeStatus(snapshot, observed)
	s.applyObserved(ctx, map[string]observation{id: {rev: rev, status: status}})

	view := snapshot.View(status)
	if err == nil {
		view.ContainerInfo = containerInfo(state)
		if s.cfg.ShowDiskUsage {
			view.DiskUsage = units.BytesSize(float64(state.SizeRw))
		}
	}
	return view, nil
}

// List returns the user's projects ordered by last access, newest first,
// reconciled against a single runtime query.
func (s *Service) List(ctx context.Context, userID string) ([]domain.ProjectView, error) {
	userID = s.userID(userID)
	s.mu.RLock()
	owned := make([]*domain.Project, 0)
	revs := make(map[string]uint64)
	for _, p := range s.projects {
		if p.UserID == userID {
			owned = append(owned, p.Clone())
			revs[p.ID] = s.revs[p.ID]
		}
	}
	s.mu.RUnlock()

	containers, err := s.runtime.ListContainers(ctx, map[string]string{docker.LabelManaged: "true"}, s.cfg.ShowDiskUsage)
	if err != nil {
		s.logger.Warn("list workspace containers failed", "error", err)
	}
	byName := lo.KeyBy(containers, func(c docker.ContainerState) string { return c.Name })

	views := make([]domain.ProjectView, 0, len(owned))
	observed := make(map[string]observation)
	for _, p := range owned {
		status := p.Status
		var diskUsage string
		if err == nil {
			seen := domain.StatusNotFound
			if c, ok := byName[p.ContainerName()]; ok {
				seen = observedStatus(c)
				if s.cfg.ShowDiskUsage {
					diskUsage = units.BytesSize(float64(c.SizeRw))
				}
			}
			status = mergeStatus(p, seen)
			observed[p.ID] = observation{rev: revs[p.ID], status: status}
		}
		view := p.View(status)
		view.DiskUsage = diskUsage
		views = append(views, view)
	}
	s.applyObserved(ctx, observed)

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].LastAccessed.After(views[j].LastAccessed)
	})
	return views, nil
}

// Stats summarises the recorded fleet.
func (s *Service) Stats() domain.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	running := lo.CountBy(lo.Values(s.projects), func(p *domain.Project) bool {
		return p.Status == domain.StatusRunning
	})
	return domain.Stats{
		TotalProjects:        len(s.projects),
		RunningProjects:      running,
		MaxWorkspacesPerUser: s.cfg.MaxWorkspacesPerUser,
	}
}

// Limits returns the creation constraints.
func (s *Service) Limits() domain.Limits {
	return domain.DefaultLimits(s.cfg.MaxWorkspacesPerUser)
}

// Wait blocks until every background provisioning task has finished.
func (s *Service) Wait() {
	s.tasks.Wait()
}

func (s *Service) userID(raw string) string {
	if raw == "" {
		return s.cfg.DefaultUserID
	}
	return raw
}

func (s *Service) countForUser(userID string) int {
	n := 0
	for _, p := range s.projects {
		if p.UserID == userID {
			n++
		}
	}
	return n
}

// observation is a reconciled status together with the record revision it
// was derived from.
type observation struct {
	rev    uint64
	status domain.ProjectStatus
}

// applyObserved stores reconciled statuses. An observation is dropped when
// the record changed after it was read, when it is not a runtime state
// (not_found, creating) or when it would mark a record running without a
// workspace URL. The store is written only when something changed.
func (s *Service) applyObserved(ctx context.Context, observed map[string]observation) {
	var changed []*domain.Project
	s.mu.Lock()
	for id, obs := range observed {
		p, ok := s.projects[id]
		if !ok || s.revs[id] != obs.rev || p.Status == obs.status {
			continue
		}
		if !storable(p, obs.status) {
			continue
		}
		p.Status = obs.status
		s.revs[id]++
		changed = append(changed, p.Clone())
	}
	s.mu.Unlock()
	if len(changed) == 0 {
		return
	}
	if err := s.persist(ctx); err != nil {
		s.logger.Error("persist reconciled status failed", "error", err)
	}
	for _, p := range changed {
		s.publish(p, p.Status, "reconciled")
	}
}

func storable(p *domain.Project, status domain.ProjectStatus) bool {
	switch status {
	case domain.StatusNotFound, domain.StatusCreating:
		return false
	case domain.StatusRunning:
		return p.WorkspaceURL != ""
	}
	return true
}

// forget drops a record and its revision. Callers hold s.mu.
func (s *Service) forget(id string) {
	delete(s.projects, id)
	delete(s.revs, id)
}

// persist mirrors the in-memory records to the store. Writers are serialised
// and each takes its snapshot after acquiring persistMu, so the last write
// always carries the newest state.
func (s *Service) persist(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	snapshot := make([]*domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		snapshot = append(snapshot, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt) })
	return s.store.SaveAll(ctx, snapshot)
}

// mutate applies fn to the live record and persists. It reports ErrNotFound
// when the record no longer exists.
func (s *Service) mutate(ctx context.Context, id string, fn func(p *domain.Project)) (*domain.Project, error) {
	s.mu.Lock()
	p, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(p)
	s.revs[id]++
	updated := p.Clone()
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		return updated, fmt.Errorf("%w: persist project: %v", ErrProvisioning, err)
	}
	return updated, nil
}

func (s *Service) lookup(id string) (*domain.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *Service) exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.projects[id]
	return ok
}

func (s *Service) authorize(p *domain.Project, password string) error {
	if !p.PasswordProtected {
		return nil
	}
	if password == "" || !crypto.VerifyPassword(p.PasswordHash, password) {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) publish(p *domain.Project, status domain.ProjectStatus, reason string) {
	if s.events == nil {
		return
	}
	s.events.Publish(domain.ProjectEvent{
		Type:         reason,
		ProjectID:    p.ID,
		UserID:       p.UserID,
		Status:       status,
		WorkspaceURL: p.WorkspaceURL,
		At:           s.now().UTC(),
	})
}

func containerInfo(st docker.ContainerState) *domain.ContainerInfo {
	info := &domain.ContainerInfo{Running: st.Running, State: st.State, ExitCode: st.ExitCode}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt
		info.StartedAt = &t
	}
	if !st.FinishedAt.IsZero() {
		t := st.FinishedAt
		info.FinishedAt = &t
	}
	return info
}
