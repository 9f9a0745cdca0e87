package repository

import (
	"context"

	"github.com/splax/devspace/internal/domain"
)

// ProjectStore persists the full set of project records. SaveAll replaces
// the stored snapshot; records absent from projects are removed.
type ProjectStore interface {
	SaveAll(ctx context.Context, projects []*domain.Project) error
	LoadAll(ctx context.Context) ([]*domain.Project, error)
}
