package jsonfile

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/repository"
)

// CredentialRepository keeps approved-users-{port}.json files under a data directory.
type CredentialRepository struct {
	dir  string
	cost int

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

var _ repository.CredentialRepository = (*CredentialRepository)(nil)

// NewCredentialRepository creates the store. cost is the bcrypt cost used for new records;
// values outside bcrypt's range fall back to bcrypt.DefaultCost.
func NewCredentialRepository(dir string, cost int) *CredentialRepository {
	if dir == "" {
		panic("data dir cannot be empty for CredentialRepository")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &CredentialRepository{
		dir:   dir,
		cost:  cost,
		locks: make(map[int]*sync.Mutex),
	}
}

func (r *CredentialRepository) path(port int) string {
	return filepath.Join(r.dir, fmt.Sprintf("approved-users-%d.json", port))
}

// portLock serializes read-modify-write sequences on one port's file.
func (r *CredentialRepository) portLock(port int) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[port]
	if !ok {
		l = &sync.Mutex{}
		r.locks[port] = l
	}
	return l
}

func (r *CredentialRepository) load(port int) ([]domain.ApprovedUser, error) {
	var users []domain.ApprovedUser
	if err := readJSON(r.path(port), &users); err != nil {
		if isNotExist(err) {
			return []domain.ApprovedUser{}, nil
		}
		return nil, err
	}
	if users == nil {
		users = []domain.ApprovedUser{}
	}
	return users, nil
}

// Load returns the approved users of port.
func (r *CredentialRepository) Load(ctx context.Context, port int) ([]domain.ApprovedUser, error) {
	l := r.portLock(port)
	l.Lock()
	defer l.Unlock()
	return r.load(port)
}

// Save atomically overwrites the table of port.
func (r *CredentialRepository) Save(ctx context.Context, port int, users []domain.ApprovedUser) error {
	l := r.portLock(port)
	l.Lock()
	defer l.Unlock()
	if users == nil {
		users = []domain.ApprovedUser{}
	}
	return writeJSON(r.path(port), users)
}

// Add stores (email, bcrypt(password)) unless email is already present. password may
// already be a bcrypt hash (as kept by the pending table); it is then stored unchanged.
func (r *CredentialRepository) Add(ctx context.Context, port int, email, password string) error {
	l := r.portLock(port)
	l.Lock()
	defer l.Unlock()

	users, err := r.load(port)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Email == email {
			return nil
		}
	}
	hash, err := r.hashIfPlain(password)
	if err != nil {
		return err
	}
	users = append(users, domain.ApprovedUser{
		Email:      email,
		Password:   hash,
		ApprovedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err := writeJSON(r.path(port), users); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"port": port, "email": email}).Info("Approved user stored")
	return nil
}

// Remove drops email from the table of port.
func (r *CredentialRepository) Remove(ctx context.Context, port int, email string) error {
	l := r.portLock(port)
	l.Lock()
	defer l.Unlock()

	users, err := r.load(port)
	if err != nil {
		return err
	}
	kept := users[:0]
	for _, u := range users {
		if u.Email != email {
			kept = append(kept, u)
		}
	}
	return writeJSON(r.path(port), kept)
}

// Exists reports whether the credentials match a stored record.
func (r *CredentialRepository) Exists(ctx context.Context, port int, email, password string) (bool, error) {
	users, err := r.Load(ctx, port)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.Email == email {
			return PasswordMatches(u.Password, password), nil
		}
	}
	return false, nil
}

// DeleteAll removes the table file of port.
func (r *CredentialRepository) DeleteAll(ctx context.Context, port int) error {
	l := r.portLock(port)
	l.Lock()
	defer l.Unlock()
	if err := os.Remove(r.path(port)); err != nil && !isNotExist(err) {
		return fmt.Errorf("jsonfile: delete credentials of port %d: %w", port, err)
	}
	return nil
}

func (r *CredentialRepository) hashIfPlain(password string) (string, error) {
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return password, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return "", fmt.Errorf("jsonfile: hash password: %w", err)
	}
	return string(hash), nil
}

// PasswordMatches compares a stored password with a candidate. Stored values are bcrypt
// hashes; files written by older versions hold plain text and are compared in constant time.
func PasswordMatches(stored, candidate string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}
