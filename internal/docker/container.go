package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Client runs workspace containers on one Docker daemon.
type Client struct {
	inner *client.Client
}

// New connects to host, or to the daemon named by DOCKER_HOST when host is
// empty. The API version is negotiated on first use.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping checks that the daemon answers and reports an API version.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Health reports whether new workspaces can be provisioned: the daemon must
// answer and the shared workspace network must exist.
func (c *Client) Health(ctx context.Context, networkName string) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	if networkName == "" {
		return nil
	}
	if _, err := c.inner.NetworkInspect(ctx, networkName, network.InspectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %q", ErrNetworkMissing, networkName)
		}
		return fmt.Errorf("inspect network %s: %w", networkName, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// ContainerState is a point-in-time view of one container.
type ContainerState struct {
	ID         string
	Name       string
	State      string
	Running    bool
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Networks   []string
	SizeRw     int64
	Labels     map[string]string
}

// CreateWorkspace creates and starts a container from spec. A stale container
// holding the same name is removed first so retries converge.
func (c *Client) CreateWorkspace(ctx context.Context, spec WorkspaceSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if err := c.RemoveContainer(ctx, spec.Name); err != nil {
		return "", err
	}

	r, err := c.inner.ContainerCreate(ctx, spec.containerConfig(), spec.hostConfig(), spec.networkingConfig(), nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return r.ID, nil
}

// StartContainer starts an existing container.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	if err := c.inner.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: container %s", ErrNotFound, name)
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// StopContainer stops a container, killing it once grace has elapsed.
// Stopping an already stopped container succeeds.
func (c *Client) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: container %s", ErrNotFound, name)
		}
		if errdefs.IsNotModified(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// InspectContainer returns the current state of a container. withSize asks
// the daemon to compute the writable layer size.
func (c *Client) InspectContainer(ctx context.Context, name string, withSize bool) (ContainerState, error) {
	info, _, err := c.inner.ContainerInspectWithRaw(ctx, name, withSize)
	if err != nil {
		if isNotFound(err) {
			return ContainerState{}, fmt.Errorf("%w: container %s", ErrNotFound, name)
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	return stateFromInspect(info), nil
}

// ListContainers returns every container (running or not) carrying all of
// the given labels.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string, withSize bool) ([]ContainerState, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	items, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Size: withSize, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]ContainerState, 0, len(items))
	for _, item := range items {
		out = append(out, stateFromSummary(item))
	}
	return out, nil
}

func stateFromInspect(info types.ContainerJSON) ContainerState {
	var st ContainerState
	if info.ContainerJSONBase != nil {
		st.ID = info.ID
		st.Name = strings.TrimPrefix(info.Name, "/")
		st.CreatedAt = parseTime(info.Created)
		if info.SizeRw != nil {
			st.SizeRw = *info.SizeRw
		}
		if info.State != nil {
			st.State = info.State.Status
			st.Running = info.State.Running
			st.StartedAt = parseTime(info.State.StartedAt)
			st.FinishedAt = parseTime(info.State.FinishedAt)
			st.ExitCode = info.State.ExitCode
		}
	}
	if info.Config != nil {
		st.Labels = info.Config.Labels
	}
	if info.NetworkSettings != nil {
		st.Networks = networkNames(info.NetworkSettings.Networks)
	}
	return st
}

func stateFromSummary(item types.Container) ContainerState {
	st := ContainerState{
		ID:        item.ID,
		State:     item.State,
		Running:   item.State == "running",
		CreatedAt: time.Unix(item.Created, 0).UTC(),
		SizeRw:    item.SizeRw,
		Labels:    item.Labels,
	}
	if len(item.Names) > 0 {
		st.Name = strings.TrimPrefix(item.Names[0], "/")
	}
	if item.NetworkSettings != nil {
		st.Networks = networkNames(item.NetworkSettings.Networks)
	}
	return st
}

func networkNames(networks map[string]*network.EndpointSettings) []string {
	out := make([]string, 0, len(networks))
	for name := range networks {
		out = append(out, name)
	}
	return out
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
