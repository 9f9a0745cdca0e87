package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/splax/devspace/internal/docker"
	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/internal/git"
)

const stepOutputLimit = 512

type provisionSecrets struct {
	password string
	gitToken string
}

var errProjectDeleted = errors.New("project deleted during provisioning")

// provision runs the background creation path for id. It never returns an
// error to anyone: the outcome is recorded on the project.
func (s *Service) provision(id string, secrets provisionSecrets) {
	defer s.tasks.Done()
	started := s.now()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProvisionTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("workspace provisioning panicked", "project_id", id, "panic", fmt.Sprint(r))
			s.fail(ctx, id, started, fmt.Errorf("panic: %v", r))
		}
	}()

	url, err := s.runProvision(ctx, id, secrets)
	switch {
	case errors.Is(err, errProjectDeleted):
		s.logger.Info("workspace deleted during provisioning", "project_id", id)
		s.metrics.provisions.WithLabelValues("deleted").Inc()
	case err != nil:
		s.fail(ctx, id, started, err)
	default:
		s.complete(ctx, id, started, url)
	}
}

func (s *Service) runProvision(ctx context.Context, id string, secrets provisionSecrets) (string, error) {
	p, ok := s.lookup(id)
	if !ok {
		return "", errProjectDeleted
	}

	var local *git.Remote
	if p.CreateGitRepo {
		repo, remote := s.provisionRepository(ctx, p)
		if repo != nil {
			updated, err := s.mutate(ctx, id, func(rec *domain.Project) { rec.GitRepository = repo })
			if errors.Is(err, ErrNotFound) {
				return "", errProjectDeleted
			}
			if err != nil {
				s.logger.Warn("persist git repository failed", "project_id", id, "error", err)
			}
			if updated != nil {
				p = updated
			}
			local = remote
		}
	}

	spec, err := buildSpec(s.cfg, p, secrets.password)
	if err != nil {
		return "", fmt.Errorf("build container spec: %w", err)
	}
	name := p.ContainerName()
	if _, err := s.runtime.CreateWorkspace(ctx, spec); err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if !s.exists(id) {
		s.discardContainer(name)
		return "", errProjectDeleted
	}

	if !s.prober.WaitReady(ctx, name) {
		s.logger.Warn("workspace readiness not confirmed, continuing", "project_id", id, "container", name)
	}

	if err := s.initialise(ctx, p, secrets, local); err != nil {
		return "", err
	}
	if !s.exists(id) {
		s.discardContainer(name)
		return "", errProjectDeleted
	}
	return workspaceURL(s.cfg, id), nil
}

// provisionRepository creates the local repository. Any failure is logged
// and the workspace continues without one.
func (s *Service) provisionRepository(ctx context.Context, p *domain.Project) (*domain.GitRepository, *git.Remote) {
	if s.git == nil || !s.git.Enabled() {
		s.logger.Info("git server disabled, skipping repository", "project_id", p.ID)
		return nil, nil
	}
	if !s.git.IsAvailable(ctx) {
		s.logger.Warn("git server unavailable, skipping repository", "project_id", p.ID)
		return nil, nil
	}
	repo, err := s.git.CreateRepository(ctx, p.Name, "Workspace repository for "+p.Name, true)
	if err != nil {
		s.logger.Warn("create git repository failed, continuing without", "project_id", p.ID, "error", err)
		return nil, nil
	}
	user, pass := s.git.Credentials()
	s.logger.Info("git repository created", "project_id", p.ID, "repository", repo.Name)
	return &domain.GitRepository{
			Name:             repo.Name,
			CloneURL:         repo.CloneURL,
			InternalCloneURL: repo.InternalCloneURL,
			WebURL:           repo.WebURL,
			Private:          repo.Private,
		}, &git.Remote{
			URL:      repo.InternalCloneURL,
			Username: user,
			Password: pass,
		}
}

// initialise seeds the workspace directory. Only a failed clone aborts.
func (s *Service) initialise(ctx context.Context, p *domain.Project, secrets provisionSecrets, local *git.Remote) error {
	in := git.PlanInput{
		Dir:   domain.WorkspaceDir,
		Owner: workspaceUser,
		Local: local,
	}
	if p.Type == domain.TypeGitClone && p.GitURL != "" {
		in.Source = &git.Remote{URL: p.GitURL, Username: p.GitUsername, Password: secrets.gitToken}
	}

	name := p.ContainerName()
	for _, step := range git.InitPlan(in) {
		res, err := s.runtime.Exec(ctx, name, docker.ExecRequest{
			Cmd:  step.Cmd,
			Env:  step.Env,
			User: step.User,
		})
		if err == nil && res.ExitCode == 0 {
			continue
		}
		detail := ""
		if err != nil {
			detail = err.Error()
		} else {
			detail = fmt.Sprintf("exit code %d: %s", res.ExitCode, truncate(res.Stderr, stepOutputLimit))
		}
		if step.Fatal {
			return fmt.Errorf("%s: %s", step.Name, detail)
		}
		s.logger.Warn("workspace init step failed", "project_id", p.ID, "step", step.Name, "detail", detail)
	}
	return nil
}

// complete marks a provisioned project running. It does nothing when the
// project was deleted or moved on from creating in the meantime.
func (s *Service) complete(ctx context.Context, id string, started time.Time, url string) {
	release := s.ops.Lock(id)
	defer release()

	transitioned := false
	p, err := s.mutate(ctx, id, func(rec *domain.Project) {
		if rec.Status != domain.StatusCreating {
			return
		}
		rec.Status = domain.StatusRunning
		rec.WorkspaceURL = url
		transitioned = true
	})
	if errors.Is(err, ErrNotFound) {
		s.discardContainer(domain.ContainerName(id))
		s.metrics.provisions.WithLabelValues("deleted").Inc()
		return
	}
	if err != nil {
		s.logger.Error("persist running workspace failed", "project_id", id, "error", err)
	}
	s.metrics.provisions.WithLabelValues("success").Inc()
	s.metrics.duration.Observe(s.now().Sub(started).Seconds())
	if !transitioned {
		s.logger.Info("workspace changed during provisioning, leaving status", "project_id", id, "status", p.Status)
		return
	}
	s.logger.Info("workspace ready", "project_id", id, "url", url, "duration", s.now().Sub(started).String())
	s.publish(p, domain.StatusRunning, "ready")
}

func (s *Service) fail(ctx context.Context, id string, started time.Time, cause error) {
	release := s.ops.Lock(id)
	defer release()

	transitioned := false
	p, err := s.mutate(ctx, id, func(rec *domain.Project) {
		if rec.Status != domain.StatusCreating {
			return
		}
		rec.Status = domain.StatusError
		transitioned = true
	})
	if errors.Is(err, ErrNotFound) {
		s.discardContainer(domain.ContainerName(id))
		return
	}
	if err != nil {
		s.logger.Error("persist failed workspace failed", "project_id", id, "error", err)
	}
	s.metrics.provisions.WithLabelValues("error").Inc()
	s.metrics.duration.Observe(s.now().Sub(started).Seconds())
	s.logger.Error("workspace provisioning failed", "project_id", id, "error", cause)
	if transitioned {
		s.publish(p, domain.StatusError, "failed")
	}
}

// discardContainer removes a container whose project no longer exists.
func (s *Service) discardContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.runtime.RemoveContainer(ctx, name); err != nil {
		s.logger.Warn("remove orphaned workspace container failed", "container", name, "error", err)
	}
}

func truncate(value string, max int) string {
	value = strings.TrimSpace(value)
	if len(value) <= max {
		return value
	}
	return value[:max] + "...(truncated)"
}
