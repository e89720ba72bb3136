package repository

import "errors"

// Storage-level errors shared by every repository implementation.
var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEntry means an insert would violate a uniqueness rule.
	ErrDuplicateEntry = errors.New("repository: duplicate entry")
)

var (
	ErrUserNotFound    = ErrNotFound
	ErrProjectNotFound = ErrNotFound
)
