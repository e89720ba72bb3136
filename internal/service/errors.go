package service

import "errors"

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternalServer = errors.New("internal server error")

	// Login outcomes other than success.
	ErrApprovalRequested = errors.New("approval request sent to the host; log in again once accepted")
	ErrAwaitingApproval  = errors.New("waiting for the host to approve this user")
	ErrBadCredentials    = errors.New("wrong email or password")
	ErrRejected          = errors.New("access was rejected by the host")

	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user is already approved with another password")
	ErrProjectNotFound = errors.New("project not found")

	// ErrInvalidToken covers malformed, mis-signed, expired and out-of-scope tokens alike.
	ErrInvalidToken = errors.New("invalid or expired session token")

	ErrPathOutsideRoot = errors.New("path is outside the project root")
	ErrNotAFile        = errors.New("path is not a regular file")
)
