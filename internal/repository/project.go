package repository

import (
	"context"

	"github.com/yohan020/my-bucket-editor/internal/domain"
)

// ProjectRepository stores the host's project list.
type ProjectRepository interface {
	List(ctx context.Context) ([]domain.Project, error)

	// FindByID returns ErrProjectNotFound when no project has the id.
	FindByID(ctx context.Context, id int64) (*domain.Project, error)

	// Save inserts the project, or replaces the one with the same ID.
	Save(ctx context.Context, project *domain.Project) error

	Delete(ctx context.Context, id int64) error
}
