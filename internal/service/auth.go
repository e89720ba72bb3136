package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/repository"
)

// AccessGate decides who may log in to a project and who may open a channel connection.
// It owns the in-memory pending table; approvals are promoted into the credential store.
type AccessGate struct {
	creds  repository.CredentialRepository
	tokens *TokenService
	cost   int

	mu       sync.Mutex
	projects map[int]*projectUsers

	subMu sync.Mutex
	subs  map[chan domain.GuestRequest]struct{}
}

// projectUsers is the pending table of one port. Its mutex covers every
// read-compute-write sequence on the table.
type projectUsers struct {
	mu    sync.Mutex
	users map[string]*domain.PendingUser
	order []string
}

// NewAccessGate creates the gate. cost is the bcrypt cost for pending passwords.
func NewAccessGate(creds repository.CredentialRepository, tokens *TokenService, cost int) *AccessGate {
	if creds == nil {
		panic("CredentialRepository cannot be nil for AccessGate")
	}
	if tokens == nil {
		panic("TokenService cannot be nil for AccessGate")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &AccessGate{
		creds:    creds,
		tokens:   tokens,
		cost:     cost,
		projects: make(map[int]*projectUsers),
		subs:     make(map[chan domain.GuestRequest]struct{}),
	}
}

func (g *AccessGate) table(port int) *projectUsers {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.projects[port]
	if !ok {
		t = &projectUsers{users: make(map[string]*domain.PendingUser)}
		g.projects[port] = t
	}
	return t
}

// Login runs the admission state machine for (port, email, password). On success it returns a
// session token. Otherwise the error is one of ErrApprovalRequested, ErrAwaitingApproval,
// ErrBadCredentials, ErrRejected, ErrInvalidInput or ErrInternalServer.
func (g *AccessGate) Login(ctx context.Context, port int, email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return "", ErrInvalidInput
	}
	logCtx := logrus.WithFields(logrus.Fields{"port": port, "email": email})

	// Fast path: already in the credential store.
	ok, err := g.creds.Exists(ctx, port, email, password)
	if err != nil {
		logCtx.WithError(err).Error("Login: credential lookup failed")
		return "", ErrInternalServer
	}
	if ok {
		return g.issue(logCtx, email, port)
	}
	// A stored email with another password is a wrong password, not a new request.
	stored, err := g.storedPassword(ctx, port, email)
	if err != nil {
		logCtx.WithError(err).Error("Login: credential lookup failed")
		return "", ErrInternalServer
	}
	if stored != "" {
		logCtx.Warn("Login: password does not match the stored user")
		return "", ErrBadCredentials
	}

	t := g.table(port)
	t.mu.Lock()
	defer t.mu.Unlock()

	user, exists := t.users[email]
	if !exists {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), g.cost)
		if err != nil {
			logCtx.WithError(err).Error("Login: failed to hash password")
			return "", ErrInternalServer
		}
		req := domain.GuestRequest{Port: port, Email: email, At: time.Now()}
		t.users[email] = &domain.PendingUser{
			Email:       email,
			Password:    string(hash),
			Status:      domain.StatusPending,
			RequestedAt: req.At,
		}
		t.order = append(t.order, email)
		logCtx.Info("Login: new guest is waiting for approval")
		g.publish(req)
		return "", ErrApprovalRequested
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		logCtx.Warn("Login: password does not match the pending request")
		return "", ErrBadCredentials
	}

	switch user.Status {
	case domain.StatusPending:
		return "", ErrAwaitingApproval
	case domain.StatusRejected:
		return "", ErrRejected
	case domain.StatusApproved:
		// Approved while the store write had not landed yet.
		if err := g.creds.Add(ctx, port, email, user.Password); err != nil {
			logCtx.WithError(err).Error("Login: failed to promote approved user")
			return "", ErrInternalServer
		}
		return g.issue(logCtx, email, port)
	default:
		logCtx.Errorf("Login: unknown status %q", user.Status)
		return "", ErrInternalServer
	}
}

func (g *AccessGate) issue(logCtx *logrus.Entry, email string, port int) (string, error) {
	token, err := g.tokens.Issue(email, port)
	if err != nil {
		logCtx.WithError(err).Error("Login: failed to issue session token")
		return "", ErrInternalServer
	}
	logCtx.Info("Login: guest admitted")
	return token, nil
}

// Approve marks a pending guest approved and writes it into the credential store.
func (g *AccessGate) Approve(ctx context.Context, port int, email string) error {
	t := g.table(port)
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[email]
	if !ok {
		return ErrUserNotFound
	}
	stored, err := g.storedPassword(ctx, port, email)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternalServer, err)
	}
	if stored != "" && stored != user.Password {
		return ErrUserExists
	}
	user.Status = domain.StatusApproved
	if err := g.creds.Add(ctx, port, email, user.Password); err != nil {
		// Status stays approved; the next login promotes the user.
		logrus.WithFields(logrus.Fields{"port": port, "email": email}).WithError(err).Error("Approve: credential store write failed")
		return fmt.Errorf("%w: %v", ErrInternalServer, err)
	}
	logrus.WithFields(logrus.Fields{"port": port, "email": email}).Info("Guest approved")
	return nil
}

// storedPassword returns the stored password of email, or "" when email is not stored.
func (g *AccessGate) storedPassword(ctx context.Context, port int, email string) (string, error) {
	users, err := g.creds.Load(ctx, port)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.Email == email {
			return u.Password, nil
		}
	}
	return "", nil
}

// Reject marks a pending guest rejected.
func (g *AccessGate) Reject(ctx context.Context, port int, email string) error {
	t := g.table(port)
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[email]
	if !ok {
		return ErrUserNotFound
	}
	user.Status = domain.StatusRejected
	logrus.WithFields(logrus.Fields{"port": port, "email": email}).Info("Guest rejected")
	return nil
}

// Remove deletes a guest from the credential store and the pending table. Tokens already
// issued to the guest stay valid until they expire.
func (g *AccessGate) Remove(ctx context.Context, port int, email string) error {
	t := g.table(port)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := g.creds.Remove(ctx, port, email); err != nil {
		return fmt.Errorf("%w: %v", ErrInternalServer, err)
	}
	if _, ok := t.users[email]; ok {
		delete(t.users, email)
		for i, e := range t.order {
			if e == email {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

// ListUsers returns the guests known for port: the pending table in request order followed
// by stored approvals that are not in the table.
func (g *AccessGate) ListUsers(ctx context.Context, port int) ([]domain.UserView, error) {
	stored, err := g.creds.Load(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalServer, err)
	}
	approvedAt := make(map[string]string, len(stored))
	for _, u := range stored {
		approvedAt[u.Email] = u.ApprovedAt
	}

	t := g.table(port)
	t.mu.Lock()
	views := make([]domain.UserView, 0, len(t.order)+len(stored))
	seen := make(map[string]bool, len(t.order))
	for _, email := range t.order {
		u := t.users[email]
		views = append(views, domain.UserView{Email: email, Status: u.Status, ApprovedAt: approvedAt[email]})
		seen[email] = true
	}
	t.mu.Unlock()

	for _, u := range stored {
		if !seen[u.Email] {
			views = append(views, domain.UserView{Email: u.Email, Status: domain.StatusApproved, ApprovedAt: u.ApprovedAt})
		}
	}
	return views, nil
}

// Forget drops the pending table of port. Used when the project is deleted.
func (g *AccessGate) Forget(port int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.projects, port)
}

// Subscribe returns a channel receiving every new guest request. Slow subscribers miss
// requests rather than blocking logins. The returned func unsubscribes.
func (g *AccessGate) Subscribe(buffer int) (<-chan domain.GuestRequest, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.GuestRequest, buffer)
	g.subMu.Lock()
	g.subs[ch] = struct{}{}
	g.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.subMu.Lock()
			delete(g.subs, ch)
			g.subMu.Unlock()
			close(ch)
		})
	}
}

func (g *AccessGate) publish(req domain.GuestRequest) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for ch := range g.subs {
		select {
		case ch <- req:
		default:
			logrus.WithField("email", req.Email).Warn("Guest request subscriber is full, dropping notification")
		}
	}
}

// ConnectionRequest carries what the channel handshake exposes about a peer.
type ConnectionRequest struct {
	Port       int
	Origin     string
	RemoteAddr string
	Forwarded  bool // request passed through a proxy (X-Forwarded-For present)
	Token      string
}

// Admission is the outcome of AdmitConnection.
type Admission struct {
	Local    bool
	Identity domain.Identity
}

// AdmitConnection applies the channel admission rule. The host's own editor (no Origin or a
// loopback Origin, reaching us directly over loopback) is admitted without a token. Anyone
// else needs a valid token issued for this port.
func (g *AccessGate) AdmitConnection(req ConnectionRequest) (Admission, error) {
	if IsLocalPeer(req.Origin, req.RemoteAddr, req.Forwarded) {
		return Admission{Local: true, Identity: domain.Identity{Email: "host", Port: req.Port}}, nil
	}
	id, err := g.tokens.VerifyForPort(req.Token, req.Port)
	if err != nil {
		return Admission{}, err
	}
	return Admission{Identity: id}, nil
}

// IsLocalPeer reports whether a handshake comes from the host machine itself.
func IsLocalPeer(origin, remoteAddr string, forwarded bool) bool {
	if forwarded || !isLoopbackAddr(remoteAddr) {
		return false
	}
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return IsLoopbackHost(u.Hostname())
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return IsLoopbackHost(host)
}

// IsLoopbackHost reports whether host names this machine.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsAdmissionError reports whether err is a login outcome to be returned to the guest
// rather than a server fault.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrApprovalRequested) ||
		errors.Is(err, ErrAwaitingApproval) ||
		errors.Is(err, ErrBadCredentials) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrInvalidToken)
}
