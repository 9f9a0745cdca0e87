package docker

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecRequest describes a command run inside a container. Secrets belong in
// Env, never in Cmd.
type ExecRequest struct {
	Cmd        []string
	Env        map[string]string
	User       string
	WorkingDir string
}

// ExecResult is the outcome of a finished exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs a command inside a running container and waits for it to exit.
func (c *Client) Exec(ctx context.Context, name string, req ExecRequest) (ExecResult, error) {
	if len(req.Cmd) == 0 {
		return ExecResult{}, fmt.Errorf("exec command cannot be empty")
	}
	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	created, err := c.inner.ContainerExecCreate(ctx, name, container.ExecOptions{
		User:         req.User,
		Cmd:          req.Cmd,
		Env:          env,
		WorkingDir:   req.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if isNotFound(err) {
			return ExecResult{}, fmt.Errorf("%w: container %s", ErrNotFound, name)
		}
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attached, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read output: %w", err)
	}

	inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
