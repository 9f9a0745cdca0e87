package domain

import (
	"strings"
	"time"
)

// ProjectStatus is the externally observable lifecycle state of a workspace.
type ProjectStatus string

const (
	StatusCreating ProjectStatus = "creating"
	StatusRunning  ProjectStatus = "running"
	StatusStopped  ProjectStatus = "stopped"
	StatusError    ProjectStatus = "error"
	// StatusNotFound is reported when the backing container is absent. It is
	// never persisted.
	StatusNotFound ProjectStatus = "not_found"
)

// ProjectType selects how the workspace is seeded.
type ProjectType string

const (
	TypeEmpty    ProjectType = "empty"
	TypeGitClone ProjectType = "git-clone"
)

// legacyTypes are template types from earlier releases; they now start empty.
var legacyTypes = map[string]struct{}{
	"python-flask": {},
	"node-react":   {},
	"java-spring":  {},
	"go-basic":     {},
}

// ParseProjectType normalises a user supplied type. Legacy template types map
// to TypeEmpty.
func ParseProjectType(raw string) (ProjectType, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch ProjectType(value) {
	case TypeEmpty, TypeGitClone:
		return ProjectType(value), true
	}
	if _, ok := legacyTypes[value]; ok {
		return TypeEmpty, true
	}
	return "", false
}

const (
	DefaultGroup      = "Uncategorized"
	MaxGroupLength    = 50
	MaxNotesBytes     = 10 * 1024
	MinPasswordLength = 8
	MaxPasswordLength = 50
	WorkspacePort     = 8080
	WorkspaceDir      = "/workspace"
)

// GitRepository describes a repository provisioned on the local Git host.
// InternalCloneURL never carries credentials.
type GitRepository struct {
	Name             string `json:"name"`
	CloneURL         string `json:"cloneUrl"`
	InternalCloneURL string `json:"internalCloneUrl"`
	WebURL           string `json:"webUrl"`
	Private          bool   `json:"private"`
}

// Project is the durable record describing a workspace.
type Project struct {
	ID                string         `json:"projectId"`
	Name              string         `json:"projectName"`
	Type              ProjectType    `json:"projectType"`
	UserID            string         `json:"userId"`
	MemoryLimit       string         `json:"memoryLimit"`
	CPUCores          int            `json:"cpuCores"`
	PasswordProtected bool           `json:"passwordProtected"`
	PasswordHash      string         `json:"passwordHash,omitempty"`
	CreateGitRepo     bool           `json:"createGitRepo"`
	GitRepository     *GitRepository `json:"gitRepository,omitempty"`
	GitURL            string         `json:"gitUrl,omitempty"`
	GitUsername       string         `json:"gitUsername,omitempty"`
	Group             string         `json:"group"`
	Notes             string         `json:"notes"`
	Status            ProjectStatus  `json:"status"`
	WorkspaceURL      string         `json:"workspaceUrl,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	LastAccessed      time.Time      `json:"lastAccessed"`
}

// ContainerName returns the deterministic container name for a project id.
func ContainerName(projectID string) string {
	return "workspace-" + projectID
}

// ContainerName returns the backing container name.
func (p *Project) ContainerName() string {
	return ContainerName(p.ID)
}

// Clone returns a deep copy safe to hand out of a lock.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	if p.GitRepository != nil {
		repo := *p.GitRepository
		cp.GitRepository = &repo
	}
	return &cp
}

// ContainerInfo is runtime detail attached to single-project lookups.
type ContainerInfo struct {
	Running    bool       `json:"running"`
	State      string     `json:"state"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ExitCode   int        `json:"exitCode"`
}

// ProjectView is the API representation of a project. It never carries the
// password hash.
type ProjectView struct {
	ID                string         `json:"projectId"`
	Name              string         `json:"projectName"`
	Type              ProjectType    `json:"projectType"`
	UserID            string         `json:"userId"`
	MemoryLimit       string         `json:"memoryLimit"`
	CPUCores          int            `json:"cpuCores"`
	PasswordProtected bool           `json:"passwordProtected"`
	CreateGitRepo     bool           `json:"createGitRepo"`
	GitRepository     *GitRepository `json:"gitRepository"`
	GitURL            string         `json:"gitUrl,omitempty"`
	Group             string         `json:"group"`
	Notes             string         `json:"notes"`
	Status            ProjectStatus  `json:"status"`
	WorkspaceURL      *string        `json:"workspaceUrl"`
	CreatedAt         time.Time      `json:"createdAt"`
	LastAccessed      time.Time      `json:"lastAccessed"`
	DiskUsage         string         `json:"diskUsage,omitempty"`
	ContainerInfo     *ContainerInfo `json:"containerInfo,omitempty"`
}

// View renders the record with the supplied observed status.
func (p *Project) View(status ProjectStatus) ProjectView {
	view := ProjectView{
		ID:                p.ID,
		Name:              p.Name,
		Type:              p.Type,
		UserID:            p.UserID,
		MemoryLimit:       p.MemoryLimit,
		CPUCores:          p.CPUCores,
		PasswordProtected: p.PasswordProtected,
		CreateGitRepo:     p.CreateGitRepo,
		GitURL:            p.GitURL,
		Group:             p.Group,
		Notes:             p.Notes,
		Status:            status,
		CreatedAt:         p.CreatedAt,
		LastAccessed:      p.LastAccessed,
	}
	if p.GitRepository != nil {
		repo := *p.GitRepository
		view.GitRepository = &repo
	}
	if p.WorkspaceURL != "" {
		u := p.WorkspaceURL
		view.WorkspaceURL = &u
	}
	return view
}

// GroupCount aggregates projects per group label.
type GroupCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats summarises the workspace fleet.
type Stats struct {
	TotalProjects        int `json:"totalProjects"`
	RunningProjects      int `json:"runningProjects"`
	MaxWorkspacesPerUser int `json:"maxWorkspacesPerUser"`
}

// ProjectEvent announces a project status change to subscribers.
type ProjectEvent struct {
	Type         string        `json:"type"`
	ProjectID    string        `json:"projectId"`
	UserID       string        `json:"userId"`
	Status       ProjectStatus `json:"status"`
	WorkspaceURL string        `json:"workspaceUrl,omitempty"`
	At           time.Time     `json:"at"`
}
