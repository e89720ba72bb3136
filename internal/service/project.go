package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/repository"
)

// ServerStopper stops the running server of a port, if any.
type ServerStopper interface {
	Stop(port int) bool
}

// ProjectService manages the host's project list.
type ProjectService struct {
	projects repository.ProjectRepository
	creds    repository.CredentialRepository
	gate     *AccessGate
	servers  ServerStopper
}

// NewProjectService creates the service. servers may be nil when no server registry is wired.
func NewProjectService(projects repository.ProjectRepository, creds repository.CredentialRepository, gate *AccessGate, servers ServerStopper) *ProjectService {
	if projects == nil || creds == nil || gate == nil {
		panic("repositories and gate must be non-nil for ProjectService")
	}
	return &ProjectService{projects: projects, creds: creds, gate: gate, servers: servers}
}

func (s *ProjectService) List(ctx context.Context) ([]domain.Project, error) {
	projects, err := s.projects.List(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to list projects")
		return nil, ErrInternalServer
	}
	return projects, nil
}

// Create stores a new project. ID and LastUsed are filled in when zero.
func (s *ProjectService) Create(ctx context.Context, p domain.Project) (*domain.Project, error) {
	if p.Name == "" || p.Path == "" || p.Port <= 0 || p.Port > 65535 {
		return nil, ErrInvalidInput
	}
	if p.ID == 0 {
		p.ID = time.Now().UnixMilli()
	}
	if p.LastUsed == "" {
		p.LastUsed = time.Now().UTC().Format(time.RFC3339)
	}
	if err := s.projects.Save(ctx, &p); err != nil {
		logrus.WithError(err).WithField("project_id", p.ID).Error("Failed to save project")
		return nil, ErrInternalServer
	}
	logrus.WithFields(logrus.Fields{"project_id": p.ID, "port": p.Port}).Info("Project created")
	return &p, nil
}

// Touch records that the project was just opened and returns it.
func (s *ProjectService) Touch(ctx context.Context, id int64) (*domain.Project, error) {
	p, err := s.projects.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, ErrInternalServer
	}
	p.LastUsed = time.Now().UTC().Format(time.RFC3339)
	if err := s.projects.Save(ctx, p); err != nil {
		return nil, ErrInternalServer
	}
	return p, nil
}

// Delete removes the project, stops its server and drops its guests: the approved-user
// table and the pending table of the port.
func (s *ProjectService) Delete(ctx context.Context, id int64) error {
	logCtx := logrus.WithField("project_id", id)
	p, err := s.projects.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return ErrProjectNotFound
		}
		logCtx.WithError(err).Error("Failed to load project for deletion")
		return ErrInternalServer
	}
	if s.servers != nil && s.servers.Stop(p.Port) {
		logCtx.WithField("port", p.Port).Info("Stopped server of deleted project")
	}
	if err := s.projects.Delete(ctx, id); err != nil {
		logCtx.WithError(err).Error("Failed to delete project")
		return ErrInternalServer
	}
	if err := s.creds.DeleteAll(ctx, p.Port); err != nil {
		logCtx.WithError(err).Error("Failed to delete approved users of project")
		return fmt.Errorf("%w: %v", ErrInternalServer, err)
	}
	s.gate.Forget(p.Port)
	logCtx.WithField("port", p.Port).Info("Project deleted")
	return nil
}
