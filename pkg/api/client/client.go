package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/devspace/internal/domain"
)

const defaultBaseURL = "http://localhost:3000"

// Client provides typed access to the devspace API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

type request struct {
	method   string
	path     string
	body     any
	token    string
	password string
}

func (c *Client) do(ctx context.Context, r request, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(r.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if r.password != "" {
		req.Header.Set("X-Workspace-Password", r.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// extractError prefers the detailed message over the summary.
func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if msg := strings.TrimSpace(payload.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(payload.Error)
}

func projectPath(id string, suffix ...string) string {
	path := "/api/projects/" + url.PathEscape(id)
	for _, s := range suffix {
		path += "/" + s
	}
	return path
}

// CreateProjectInput mirrors the creation request body.
type CreateProjectInput struct {
	ProjectName       string `json:"projectName"`
	ProjectType       string `json:"projectType"`
	MemoryLimit       string `json:"memoryLimit,omitempty"`
	CPUCores          int    `json:"cpuCores,omitempty"`
	PasswordProtected bool   `json:"passwordProtected,omitempty"`
	Password          string `json:"password,omitempty"`
	CreateGitRepo     bool   `json:"createGitRepo,omitempty"`
	GitURL            string `json:"gitUrl,omitempty"`
	GitUsername       string `json:"gitUsername,omitempty"`
	GitToken          string `json:"gitToken,omitempty"`
	Group             string `json:"group,omitempty"`
}

// CreateProjectResponse carries the new project and, once, its password.
type CreateProjectResponse struct {
	Project  domain.ProjectView `json:"project"`
	Password string             `json:"password,omitempty"`
}

// ActionResponse is returned by start, stop and delete.
type ActionResponse struct {
	ProjectID    string               `json:"projectId"`
	Status       domain.ProjectStatus `json:"status"`
	Message      string               `json:"message"`
	WorkspaceURL string               `json:"workspaceUrl"`
}

// CreateProject requests a new workspace. Provisioning continues in the
// background; poll GetProject for the final status.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (CreateProjectResponse, error) {
	var resp CreateProjectResponse
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/projects/create", body: input, token: token}, &resp)
	return resp, err
}

// ListProjects returns the caller's projects, most recently used first.
func (c *Client) ListProjects(ctx context.Context, token string) ([]domain.ProjectView, error) {
	var resp struct {
		Projects []domain.ProjectView `json:"projects"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/projects", token: token}, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// GetProject returns one project with its live status.
func (c *Client) GetProject(ctx context.Context, token, id string) (domain.ProjectView, error) {
	var resp struct {
		Project domain.ProjectView `json:"project"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: projectPath(id), token: token}, &resp)
	return resp.Project, err
}

// StartProject starts a stopped workspace.
func (c *Client) StartProject(ctx context.Context, token, id, password string) (ActionResponse, error) {
	return c.action(ctx, http.MethodPost, projectPath(id, "start"), token, password)
}

// StopProject stops a running workspace.
func (c *Client) StopProject(ctx context.Context, token, id, password string) (ActionResponse, error) {
	return c.action(ctx, http.MethodPost, projectPath(id, "stop"), token, password)
}

// DeleteProject removes a workspace and its container.
func (c *Client) DeleteProject(ctx context.Context, token, id, password string) (ActionResponse, error) {
	return c.action(ctx, http.MethodDelete, projectPath(id), token, password)
}

func (c *Client) action(ctx context.Context, method, path, token, password string) (ActionResponse, error) {
	var resp ActionResponse
	err := c.do(ctx, request{method: method, path: path, token: token, password: password}, &resp)
	return resp, err
}

// Notes returns the project notes.
func (c *Client) Notes(ctx context.Context, token, id string) (string, error) {
	var resp struct {
		Notes string `json:"notes"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: projectPath(id, "notes"), token: token}, &resp)
	return resp.Notes, err
}

// UpdateNotes replaces the project notes.
func (c *Client) UpdateNotes(ctx context.Context, token, id, notes string) error {
	return c.do(ctx, request{method: http.MethodPut, path: projectPath(id, "notes"), token: token, body: map[string]string{"notes": notes}}, nil)
}

// UpdateGroup moves a project to group and returns the stored name.
func (c *Client) UpdateGroup(ctx context.Context, token, id, group string) (string, error) {
	var resp struct {
		Group string `json:"group"`
	}
	err := c.do(ctx, request{method: http.MethodPut, path: projectPath(id, "group"), token: token, body: map[string]string{"group": group}}, &resp)
	return resp.Group, err
}

// Groups lists the caller's groups with project counts.
func (c *Client) Groups(ctx context.Context, token string) ([]domain.GroupCount, error) {
	var resp struct {
		Groups []domain.GroupCount `json:"groups"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/groups", token: token}, &resp)
	return resp.Groups, err
}

// Stats returns fleet counters.
func (c *Client) Stats(ctx context.Context, token string) (domain.Stats, error) {
	var resp struct {
		Stats domain.Stats `json:"stats"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/workspace/stats", token: token}, &resp)
	return resp.Stats, err
}

// Cleanup drops records whose container vanished and returns how many.
func (c *Client) Cleanup(ctx context.Context, token string) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/workspace/cleanup", token: token}, &resp)
	return resp.Removed, err
}

// Limits returns the creation constraints.
func (c *Client) Limits(ctx context.Context) (domain.Limits, error) {
	var resp domain.Limits
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/limits"}, &resp)
	return resp, err
}
