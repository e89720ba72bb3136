// Package domain holds the data types shared by the host core.
package domain

import "time"

// UserStatus is the admission state of a guest within one project.
type UserStatus string

const (
	StatusPending  UserStatus = "pending"
	StatusApproved UserStatus = "approved"
	StatusRejected UserStatus = "rejected"
)

// PendingUser is an in-memory login request awaiting (or carrying) a host decision.
// Password holds a bcrypt hash, never the plain text.
type PendingUser struct {
	Email       string     `json:"email"`
	Password    string     `json:"-"`
	Status      UserStatus `json:"status"`
	RequestedAt time.Time  `json:"requestedAt"`
}

// ApprovedUser is one record of the durable per-port credential table.
type ApprovedUser struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	ApprovedAt string `json:"approvedAt"` // RFC3339
}

// UserView is what the host sees when listing a project's guests.
type UserView struct {
	Email      string     `json:"email"`
	Status     UserStatus `json:"status"`
	ApprovedAt string     `json:"approvedAt,omitempty"`
}

// GuestRequest is published when an unknown guest first asks to join.
type GuestRequest struct {
	Port  int       `json:"port"`
	Email string    `json:"email"`
	At    time.Time `json:"at"`
}

// Identity is what a verified session token proves.
type Identity struct {
	Email string `json:"email"`
	Port  int    `json:"port"`
}
