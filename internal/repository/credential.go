package repository

import (
	"context"

	"github.com/yohan020/my-bucket-editor/internal/domain"
)

// CredentialRepository is the durable table of approved guests, one table per project port.
type CredentialRepository interface {
	// Load returns every approved user of the port. A port without a table yields an empty list.
	Load(ctx context.Context, port int) ([]domain.ApprovedUser, error)

	// Save atomically replaces the whole table of the port.
	Save(ctx context.Context, port int, users []domain.ApprovedUser) error

	// Add appends a user with the current time. Adding a known email is a no-op.
	Add(ctx context.Context, port int, email, password string) error

	// Remove deletes the user with the given email, if present.
	Remove(ctx context.Context, port int, email string) error

	// Exists reports whether (email, password) matches a stored record.
	Exists(ctx context.Context, port int, email, password string) (bool, error)

	// DeleteAll drops the table of the port. A missing table is not an error.
	DeleteAll(ctx context.Context, port int) error
}
