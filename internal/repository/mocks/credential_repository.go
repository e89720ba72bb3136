// Package mocks holds testify mocks of the repository interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/yohan020/my-bucket-editor/internal/domain"
)

// CredentialRepository is a mock of repository.CredentialRepository.
type CredentialRepository struct {
	mock.Mock
}

func (m *CredentialRepository) Load(ctx context.Context, port int) ([]domain.ApprovedUser, error) {
	args := m.Called(ctx, port)
	var users []domain.ApprovedUser
	if v := args.Get(0); v != nil {
		users = v.([]domain.ApprovedUser)
	}
	return users, args.Error(1)
}

func (m *CredentialRepository) Save(ctx context.Context, port int, users []domain.ApprovedUser) error {
	args := m.Called(ctx, port, users)
	return args.Error(0)
}

func (m *CredentialRepository) Add(ctx context.Context, port int, email, password string) error {
	args := m.Called(ctx, port, email, password)
	return args.Error(0)
}

func (m *CredentialRepository) Remove(ctx context.Context, port int, email string) error {
	args := m.Called(ctx, port, email)
	return args.Error(0)
}

func (m *CredentialRepository) Exists(ctx context.Context, port int, email, password string) (bool, error) {
	args := m.Called(ctx, port, email, password)
	return args.Bool(0), args.Error(1)
}

func (m *CredentialRepository) DeleteAll(ctx context.Context, port int) error {
	args := m.Called(ctx, port)
	return args.Error(0)
}
