package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/splax/devspace/internal/docker"
	"github.com/splax/devspace/internal/domain"
)

// Start boots a stopped workspace, repairing its network membership first.
func (s *Service) Start(ctx context.Context, id, password string) (ActionResult, error) {
	release := s.ops.Lock(id)
	defer release()

	p, ok := s.lookup(id)
	if !ok {
		return ActionResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.authorize(p, password); err != nil {
		return ActionResult{}, err
	}

	if p.Status == domain.StatusCreating {
		return ActionResult{ProjectID: id, Status: domain.StatusCreating, Message: "Workspace is still being created"}, nil
	}

	name := p.ContainerName()
	state, err := s.runtime.InspectContainer(ctx, name, false)
	if err != nil {
		return ActionResult{}, s.runtimeErr("inspect container", err)
	}
	if state.Running && p.WorkspaceURL != "" && p.Status == domain.StatusRunning {
		return ActionResult{ProjectID: id, Status: domain.StatusRunning, Message: "Workspace is already running", WorkspaceURL: p.WorkspaceURL}, nil
	}

	repaired, err := s.runtime.EnsureNetwork(ctx, name, s.cfg.DockerNetwork, name)
	if err != nil {
		return ActionResult{}, s.runtimeErr("repair network", err)
	}
	if repaired {
		s.metrics.repairs.Inc()
		s.logger.Warn("workspace container reattached to network", "project_id", id, "network", s.cfg.DockerNetwork)
	}

	if !state.Running {
		if err := s.runtime.StartContainer(ctx, name); err != nil {
			return ActionResult{}, s.runtimeErr("start container", err)
		}
	}
	if !s.prober.WaitReady(ctx, name) {
		s.logger.Warn("workspace readiness not confirmed after start", "project_id", id)
	}

	url := workspaceURL(s.cfg, id)
	updated, err := s.mutate(ctx, id, func(rec *domain.Project) {
		rec.Status = domain.StatusRunning
		if rec.WorkspaceURL == "" {
			rec.WorkspaceURL = url
		}
		rec.LastAccessed = s.now().UTC()
	})
	if err != nil {
		return ActionResult{}, err
	}
	s.logger.Info("workspace started", "project_id", id)
	s.publish(updated, domain.StatusRunning, "started")
	return ActionResult{ProjectID: id, Status: domain.StatusRunning, Message: "Workspace started", WorkspaceURL: updated.WorkspaceURL}, nil
}

// Stop halts a workspace, forcing termination after the grace period.
func (s *Service) Stop(ctx context.Context, id, password string) (ActionResult, error) {
	release := s.ops.Lock(id)
	defer release()

	p, ok := s.lookup(id)
	if !ok {
		return ActionResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.authorize(p, password); err != nil {
		return ActionResult{}, err
	}

	name := p.ContainerName()
	state, err := s.runtime.InspectContainer(ctx, name, false)
	if err != nil {
		return ActionResult{}, s.runtimeErr("inspect container", err)
	}
	message := "Workspace stopped"
	if state.Running {
		if err := s.runtime.StopContainer(ctx, name, s.cfg.StopGracePeriod); err != nil {
			return ActionResult{}, s.runtimeErr("stop container", err)
		}
	} else {
		message = "Workspace is already stopped"
	}

	updated, err := s.mutate(ctx, id, func(rec *domain.Project) {
		rec.Status = domain.StatusStopped
	})
	if err != nil {
		return ActionResult{}, err
	}
	s.logger.Info("workspace stopped", "project_id", id)
	if p.Status != domain.StatusStopped {
		s.publish(updated, domain.StatusStopped, "stopped")
	}
	return ActionResult{ProjectID: id, Status: domain.StatusStopped, Message: message}, nil
}

// Delete tears down the container and removes the record. Deleting an
// unknown project succeeds.
func (s *Service) Delete(ctx context.Context, id, password string) (ActionResult, error) {
	release := s.ops.Lock(id)
	defer release()

	p, ok := s.lookup(id)
	if !ok {
		return ActionResult{ProjectID: id, Status: domain.StatusNotFound, Message: "Workspace already deleted"}, nil
	}
	if err := s.authorize(p, password); err != nil {
		return ActionResult{}, err
	}

	name := p.ContainerName()
	if err := s.runtime.StopContainer(ctx, name, s.cfg.StopGracePeriod); err != nil && !errors.Is(err, docker.ErrNotFound) {
		s.logger.Warn("stop before delete failed, forcing removal", "project_id", id, "error", err)
	}
	if err := s.runtime.RemoveContainer(ctx, name); err != nil {
		return ActionResult{}, provisioningErr("remove container", err)
	}

	s.mu.Lock()
	s.forget(id)
	s.mu.Unlock()
	if err := s.persist(ctx); err != nil {
		return ActionResult{}, fmt.Errorf("%w: persist deletion: %v", ErrProvisioning, err)
	}

	s.logger.Info("workspace deleted", "project_id", id)
	s.publish(p, domain.StatusNotFound, "deleted")
	return ActionResult{ProjectID: id, Status: domain.StatusNotFound, Message: "Workspace deleted"}, nil
}

// Cleanup drops records whose container no longer exists. Projects still
// creating are skipped because their container may not exist yet.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	s.mu.RLock()
	candidates := make([]*domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		if p.Status == domain.StatusCreating {
			continue
		}
		candidates = append(candidates, p.Clone())
	}
	s.mu.RUnlock()

	var gone []*domain.Project
	for _, p := range candidates {
		_, err := s.runtime.InspectContainer(ctx, p.ContainerName(), false)
		if errors.Is(err, docker.ErrNotFound) {
			gone = append(gone, p)
			continue
		}
		if err != nil {
			s.logger.Warn("cleanup inspect failed", "project_id", p.ID, "error", err)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}

	removed := 0
	s.mu.Lock()
	for _, p := range gone {
		if cur, ok := s.projects[p.ID]; ok && cur.Status != domain.StatusCreating {
			s.forget(p.ID)
			removed++
		}
	}
	s.mu.Unlock()
	if err := s.persist(ctx); err != nil {
		return removed, fmt.Errorf("%w: persist cleanup: %v", ErrProvisioning, err)
	}
	for _, p := range gone {
		s.publish(p, domain.StatusNotFound, "cleaned")
	}
	s.logger.Info("workspace cleanup finished", "removed", removed)
	return removed, nil
}

// Recover loads the stored records and reconciles them with the runtime.
// Records without a container are dropped. Records interrupted while
// creating, or left without a workspace URL, are marked error since no
// provisioning task will finish them; a stopped record keeps its status.
// The store is rewritten afterwards.
func (s *Service) Recover(ctx context.Context) error {
	stored, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	kept := make(map[string]*domain.Project, len(stored))
	dropped := 0
	for _, p := range stored {
		state, err := s.runtime.InspectContainer(ctx, p.ContainerName(), false)
		switch {
		case errors.Is(err, docker.ErrNotFound):
			dropped++
			s.logger.Info("dropping project without container", "project_id", p.ID)
			continue
		case err != nil:
			s.logger.Warn("recover inspect failed, keeping recorded status", "project_id", p.ID, "error", err)
		case p.Status == domain.StatusCreating:
			p.Status = domain.StatusError
		case p.WorkspaceURL == "":
			if p.Status != domain.StatusStopped {
				p.Status = domain.StatusError
			}
		default:
			p.Status = observedStatus(state)
		}
		if p.Group == "" {
			p.Group = domain.DefaultGroup
		}
		kept[p.ID] = p
	}

	s.mu.Lock()
	s.projects = kept
	s.revs = make(map[string]uint64, len(kept))
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		return fmt.Errorf("rewrite projects: %w", err)
	}
	s.logger.Info("workspace recovery finished", "kept", len(kept), "dropped", dropped)
	return nil
}

func (s *Service) runtimeErr(op string, err error) error {
	if errors.Is(err, docker.ErrNotFound) {
		return fmt.Errorf("%w: %s: container missing", ErrNotFound, op)
	}
	return provisioningErr(op, err)
}
