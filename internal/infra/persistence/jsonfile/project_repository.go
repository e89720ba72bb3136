package jsonfile

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/repository"
)

// ProjectRepository keeps the project list in projects.json.
type ProjectRepository struct {
	path string
	mu   sync.Mutex
}

var _ repository.ProjectRepository = (*ProjectRepository)(nil)

func NewProjectRepository(dir string) *ProjectRepository {
	if dir == "" {
		panic("data dir cannot be empty for ProjectRepository")
	}
	return &ProjectRepository{path: filepath.Join(dir, "projects.json")}
}

func (r *ProjectRepository) load() ([]domain.Project, error) {
	var projects []domain.Project
	if err := readJSON(r.path, &projects); err != nil {
		if isNotExist(err) {
			return []domain.Project{}, nil
		}
		return nil, err
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	return projects, nil
}

func (r *ProjectRepository) List(ctx context.Context) ([]domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

func (r *ProjectRepository) FindByID(ctx context.Context, id int64) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	projects, err := r.load()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].ID == id {
			p := projects[i]
			return &p, nil
		}
	}
	return nil, repository.ErrProjectNotFound
}

func (r *ProjectRepository) Save(ctx context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	projects, err := r.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range projects {
		if projects[i].ID == project.ID {
			projects[i] = *project
			replaced = true
			break
		}
	}
	if !replaced {
		projects = append(projects, *project)
	}
	return writeJSON(r.path, projects)
}

func (r *ProjectRepository) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	projects, err := r.load()
	if err != nil {
		return err
	}
	kept := projects[:0]
	found := false
	for _, p := range projects {
		if p.ID == id {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return repository.ErrProjectNotFound
	}
	return writeJSON(r.path, kept)
}
