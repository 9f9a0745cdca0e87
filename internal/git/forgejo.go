package git

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/samber/lo"
)

const (
	maxSuffixAttempts = 10
	suffixLength      = 4
)

// ErrDisabled is returned when the Git host integration is turned off.
var ErrDisabled = errors.New("git server disabled")

// Config configures the Git host client.
type Config struct {
	Enabled       bool
	BaseURL       string
	Username      string
	Password      string
	PublicBaseURL string
	Timeout       time.Duration
}

// Repository is a provisioned repository. InternalCloneURL is reachable from
// workspace containers and carries no credentials.
type Repository struct {
	Name             string
	CloneURL         string
	InternalCloneURL string
	WebURL           string
	Private          bool
}

// Client talks to a Forgejo compatible Git host.
type Client struct {
	cfg    Config
	http   *req.Client
	suffix func() string
	now    func() time.Time
}

// New constructs a Git host client authenticated as the service account.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := req.C().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetCommonHeader("Accept", "application/json").
		SetCommonBasicAuth(cfg.Username, cfg.Password)
	return &Client{
		cfg:  cfg,
		http: httpClient,
		suffix: func() string {
			return lo.RandomString(suffixLength, lo.LowerCaseLettersCharset)
		},
		now: time.Now,
	}
}

// Enabled reports whether the integration is configured on.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Credentials returns the service account credentials for in-container pushes.
func (c *Client) Credentials() (string, string) {
	return c.cfg.Username, c.cfg.Password
}

// IsAvailable reports whether the Git host is enabled and answering.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	resp, err := c.http.R().SetContext(ctx).Get("/api/v1/version")
	if err != nil {
		return false
	}
	return resp.IsSuccessState()
}

// RepositoryExists reports whether the service account already owns name.
func (c *Client) RepositoryExists(ctx context.Context, name string) (bool, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("owner", c.cfg.Username).
		SetPathParam("repo", name).
		Get("/api/v1/repos/{owner}/{repo}")
	if err != nil {
		return false, fmt.Errorf("query repository: %w", err)
	}
	switch {
	case resp.IsSuccessState():
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("query repository: unexpected status %d", resp.StatusCode)
	}
}

// UniqueName sanitises base and finds a name not yet taken on the host. After
// maxSuffixAttempts random suffixes it falls back to a timestamp suffix, which
// the host may still reject.
func (c *Client) UniqueName(ctx context.Context, base string) (string, error) {
	name := SanitizeName(base)
	exists, err := c.RepositoryExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return name, nil
	}
	stem := name
	if len(stem) > maxNameLength-suffixLength-1 {
		stem = stem[:maxNameLength-suffixLength-1]
	}
	for i := 0; i < maxSuffixAttempts; i++ {
		candidate := stem + "-" + c.suffix()
		exists, err := c.RepositoryExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	stamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	return stem + "-" + stamp[len(stamp)-suffixLength:], nil
}

type createRepoRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Private       bool   `json:"private"`
	AutoInit      bool   `json:"auto_init"`
	DefaultBranch string `json:"default_branch"`
}

type repoPayload struct {
	Name     string `json:"name"`
	CloneURL string `json:"clone_url"`
	HTMLURL  string `json:"html_url"`
	Private  bool   `json:"private"`
}

// CreateRepository provisions an empty repository named after name.
func (c *Client) CreateRepository(ctx context.Context, name, description string, private bool) (Repository, error) {
	if !c.Enabled() {
		return Repository{}, ErrDisabled
	}
	unique, err := c.UniqueName(ctx, name)
	if err != nil {
		return Repository{}, err
	}

	var created repoPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createRepoRequest{
			Name:          unique,
			Description:   description,
			Private:       private,
			AutoInit:      false,
			DefaultBranch: "main",
		}).
		SetSuccessResult(&created).
		Post("/api/v1/user/repos")
	if err != nil {
		return Repository{}, fmt.Errorf("create repository: %w", err)
	}
	if !resp.IsSuccessState() {
		return Repository{}, fmt.Errorf("create repository: status %d: %s", resp.StatusCode, truncate(resp.String(), 200))
	}
	if created.Name == "" {
		created.Name = unique
	}
	return c.describe(created), nil
}

func (c *Client) describe(p repoPayload) Repository {
	owner := url.PathEscape(c.cfg.Username)
	repo := url.PathEscape(p.Name)
	internal := fmt.Sprintf("%s/%s/%s.git", strings.TrimRight(c.cfg.BaseURL, "/"), owner, repo)
	clone := p.CloneURL
	if clone == "" {
		clone = internal
	}
	return Repository{
		Name:             p.Name,
		CloneURL:         clone,
		InternalCloneURL: internal,
		WebURL:           fmt.Sprintf("%s/git/%s/%s", strings.TrimRight(c.cfg.PublicBaseURL, "/"), owner, repo),
		Private:          p.Private,
	}
}

// WebURL returns the public address of the Git host UI.
func (c *Client) WebURL() string {
	return strings.TrimRight(c.cfg.PublicBaseURL, "/") + "/git"
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
