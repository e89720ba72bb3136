// Package server runs one HTTP and channel server per active project port.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	httpHandler "github.com/yohan020/my-bucket-editor/internal/handler/http"
	wsHandler "github.com/yohan020/my-bucket-editor/internal/handler/websocket"
	"github.com/yohan020/my-bucket-editor/internal/hub"
	"github.com/yohan020/my-bucket-editor/internal/metrics"
	"github.com/yohan020/my-bucket-editor/internal/middleware"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

// ErrNotRunning is returned when no server is running on the requested port.
var ErrNotRunning = errors.New("no server running on port")

// Deps are the collaborators shared by every server instance.
type Deps struct {
	Gate    *service.AccessGate
	Tokens  *service.TokenService
	Limiter middleware.Limiter // optional login rate limiter
	Metrics *metrics.Metrics
	Logger  *logrus.Logger

	// BindHost is the interface servers listen on; empty means all interfaces.
	BindHost string
}

// Instance is one running project server.
type Instance struct {
	Port int
	Path string
	Hub  *hub.Hub

	srv   *http.Server
	pipes *pipeListener
	done  chan struct{}
}

// Registry owns the running servers, keyed by port.
type Registry struct {
	deps Deps
	log  *logrus.Entry

	mu        sync.Mutex
	instances map[int]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Gate == nil || deps.Tokens == nil {
		panic("AccessGate and TokenService must be non-nil for Registry")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Registry{
		deps:      deps,
		log:       deps.Logger.WithField("component", "server"),
		instances: make(map[int]*Instance),
	}
}

// Start serves the project at projectPath on port. A server already running on the port is
// torn down first. Bind failures are returned.
func (r *Registry) Start(port int, projectPath string) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d", service.ErrInvalidInput, port)
	}
	ws, err := service.NewWorkspace(projectPath)
	if err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	logCtx := r.log.WithFields(logrus.Fields{"port": port, "path": ws.Root()})

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.instances[port]; ok {
		logCtx.Info("Replacing running server")
		r.closeInstance(old)
		delete(r.instances, port)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(r.deps.BindHost, strconv.Itoa(port)))
	if err != nil {
		logCtx.WithError(err).Error("Failed to bind project server")
		return fmt.Errorf("start server on port %d: %w", port, err)
	}

	h := hub.NewHub(port, ws, r.deps.Metrics)
	inst := &Instance{
		Port:  port,
		Path:  ws.Root(),
		Hub:   h,
		pipes: newPipeListener(),
		done:  make(chan struct{}),
		srv: &http.Server{
			Handler:           r.router(port, h),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	var wg sync.WaitGroup
	for _, l := range []net.Listener{ln, inst.pipes} {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			if err := inst.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logCtx.WithError(err).Error("Project server stopped unexpectedly")
			}
		}(l)
	}
	go func() {
		wg.Wait()
		close(inst.done)
	}()

	r.instances[port] = inst
	r.deps.Metrics.ServerStarted()
	logCtx.WithField("addr", ln.Addr().String()).Info("Project server listening")
	return nil
}

func (r *Registry) router(port int, h *hub.Hub) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger(r.deps.Logger))

	login := httpHandler.NewAuthHandler(r.deps.Gate, port, r.deps.Tokens.TTL(), r.deps.Metrics)
	loginChain := []gin.HandlerFunc{login.Login}
	if r.deps.Limiter != nil {
		loginChain = append([]gin.HandlerFunc{middleware.RateLimit(r.deps.Limiter)}, loginChain...)
	}

	engine.GET("/", httpHandler.GuestPage)
	engine.POST("/api/login", loginChain...)
	engine.GET("/editor", middleware.EditorAuth(r.deps.Tokens, port), httpHandler.EditorPage)
	engine.GET("/ws", wsHandler.NewWebSocketHandler(h, r.deps.Gate, port).HandleConnection)
	return engine
}

// closeInstance drops every connection and document of inst immediately.
func (r *Registry) closeInstance(inst *Instance) {
	inst.Hub.Close()
	inst.pipes.Close()
	if err := inst.srv.Close(); err != nil {
		r.log.WithError(err).WithField("port", inst.Port).Warn("Error closing project server")
	}
	<-inst.done
	r.deps.Metrics.ServerStopped(inst.Port)
}

// Stop shuts down the server on port. It reports false when nothing was running.
func (r *Registry) Stop(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[port]
	if !ok {
		return false
	}
	r.closeInstance(inst)
	delete(r.instances, port)
	r.log.WithField("port", port).Info("Project server stopped")
	return true
}

// Ports lists the ports with a running server, ascending.
func (r *Registry) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]int, 0, len(r.instances))
	for p := range r.instances {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Instance returns the server running on port.
func (r *Registry) Instance(port int) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[port]
	return inst, ok
}

// DialTunnel opens an in-process connection to the server on port. Peers arriving this way
// are treated as remote.
func (r *Registry) DialTunnel(ctx context.Context, port int) (net.Conn, error) {
	inst, ok := r.Instance(port)
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNotRunning, port)
	}
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := inst.pipes.dial()
		ch <- result{c, err}
	}()
	select {
	case res := <-ch:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// StopAll shuts every server down, letting plain HTTP requests finish until ctx ends.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, inst := range r.instances {
		inst.Hub.Close()
		inst.pipes.Close()
		if err := inst.srv.Shutdown(ctx); err != nil {
			r.log.WithError(err).WithField("port", port).Warn("Graceful shutdown timed out, closing")
			_ = inst.srv.Close()
		}
		<-inst.done
		r.deps.Metrics.ServerStopped(port)
		delete(r.instances, port)
	}
	r.log.Info("All project servers stopped")
}
