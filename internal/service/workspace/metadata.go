package workspace

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/splax/devspace/internal/domain"
)

// Notes returns the free text notes of a project.
func (s *Service) Notes(ctx context.Context, id string) (string, error) {
	p, ok := s.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Notes, nil
}

// UpdateNotes replaces the notes of a project.
func (s *Service) UpdateNotes(ctx context.Context, id, text string) error {
	if err := validateNotes(text); err != nil {
		return err
	}
	_, err := s.mutate(ctx, id, func(p *domain.Project) { p.Notes = text })
	return err
}

// UpdateGroup moves a project to another group. An empty name selects the
// default group.
func (s *Service) UpdateGroup(ctx context.Context, id, group string) (string, error) {
	normalized, err := normalizeGroup(group)
	if err != nil {
		return "", err
	}
	if _, err := s.mutate(ctx, id, func(p *domain.Project) { p.Group = normalized }); err != nil {
		return "", err
	}
	return normalized, nil
}

// Groups counts the user's projects per group, alphabetically with the
// default group last.
func (s *Service) Groups(ctx context.Context, userID string) []domain.GroupCount {
	userID = s.userID(userID)
	s.mu.RLock()
	owned := lo.Filter(lo.Values(s.projects), func(p *domain.Project, _ int) bool {
		return p.UserID == userID
	})
	counts := lo.CountValuesBy(owned, func(p *domain.Project) string {
		if p.Group == "" {
			return domain.DefaultGroup
		}
		return p.Group
	})
	s.mu.RUnlock()

	out := make([]domain.GroupCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, domain.GroupCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Name, out[j].Name
		if a == domain.DefaultGroup || b == domain.DefaultGroup {
			return b == domain.DefaultGroup && a != domain.DefaultGroup
		}
		return a < b
	})
	return out
}

// CheckOwner reports ErrNotFound when id belongs to a user other than userID.
// Unknown ids pass so idempotent operations keep their semantics.
func (s *Service) CheckOwner(id, userID string) error {
	userID = s.userID(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.projects[id]; ok && p.UserID != userID {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
