package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/yohan020/my-bucket-editor/internal/domain"
)

// ProjectRepository is a mock of repository.ProjectRepository.
type ProjectRepository struct {
	mock.Mock
}

func (m *ProjectRepository) List(ctx context.Context) ([]domain.Project, error) {
	args := m.Called(ctx)
	var projects []domain.Project
	if v := args.Get(0); v != nil {
		projects = v.([]domain.Project)
	}
	return projects, args.Error(1)
}

func (m *ProjectRepository) FindByID(ctx context.Context, id int64) (*domain.Project, error) {
	args := m.Called(ctx, id)
	var p *domain.Project
	if v := args.Get(0); v != nil {
		p = v.(*domain.Project)
	}
	return p, args.Error(1)
}

func (m *ProjectRepository) Save(ctx context.Context, project *domain.Project) error {
	args := m.Called(ctx, project)
	return args.Error(0)
}

func (m *ProjectRepository) Delete(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
