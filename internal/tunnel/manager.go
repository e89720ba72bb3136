// Package tunnel exposes a local project port under a public relay address. At most one
// tunnel is open per process.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/metrics"
)

// ErrNoActiveTunnel is returned by queries when no tunnel is open.
var ErrNoActiveTunnel = errors.New("no active tunnel")

// Relay negotiates public sessions.
type Relay interface {
	Open(ctx context.Context, port int) (Session, error)
}

// Session is one open public address.
type Session interface {
	URL() string
	// Done is closed when the session ends, whether by Close or on its own.
	Done() <-chan struct{}
	Close() error
}

type activeTunnel struct {
	port    int
	session Session
	stopped chan struct{}
}

// Manager holds the single active tunnel.
type Manager struct {
	relay   Relay
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu     sync.Mutex
	active *activeTunnel
}

func NewManager(relay Relay, m *metrics.Metrics) *Manager {
	if relay == nil {
		panic("Relay cannot be nil for tunnel Manager")
	}
	return &Manager{relay: relay, metrics: m, log: logrus.WithField("component", "tunnel")}
}

// Start opens a tunnel to port and returns its public URL. Any open tunnel is closed first.
// Relay errors are returned as they are and leave no tunnel behind.
func (m *Manager) Start(ctx context.Context, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	sess, err := m.relay.Open(ctx, port)
	if err != nil {
		m.log.WithError(err).WithField("port", port).Warn("Failed to open tunnel")
		return "", err
	}
	a := &activeTunnel{port: port, session: sess, stopped: make(chan struct{})}
	m.active = a
	go m.watch(a)

	m.metrics.SetTunnelActive(true)
	m.log.WithFields(logrus.Fields{"port": port, "url": sess.URL()}).Info("Tunnel opened")
	return sess.URL(), nil
}

// watch clears the manager when the relay ends the session by itself.
func (m *Manager) watch(a *activeTunnel) {
	select {
	case <-a.session.Done():
	case <-a.stopped:
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == a {
		m.active = nil
		m.metrics.SetTunnelActive(false)
		m.log.WithField("port", a.port).Warn("Tunnel closed by relay")
	}
}

// Stop closes the active tunnel. It is a no-op when none is open.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	a := m.active
	if a == nil {
		return
	}
	m.active = nil
	close(a.stopped)
	if err := a.session.Close(); err != nil {
		m.log.WithError(err).Warn("Error closing tunnel")
	}
	m.metrics.SetTunnelActive(false)
	m.log.WithField("port", a.port).Info("Tunnel closed")
}

// ActiveURL returns the public URL of the open tunnel.
func (m *Manager) ActiveURL() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.session.URL(), true
}

// ActivePort returns the local port of the open tunnel.
func (m *Manager) ActivePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0, ErrNoActiveTunnel
	}
	return m.active.port, nil
}

// Cleanup closes any tunnel at process shutdown.
func (m *Manager) Cleanup() {
	m.Stop()
	m.log.Debug("Tunnel cleanup done")
}
