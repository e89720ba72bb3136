package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	httpHandler "github.com/yohan020/my-bucket-editor/internal/handler/http"
	"github.com/yohan020/my-bucket-editor/internal/infra/persistence/jsonfile"
	"github.com/yohan020/my-bucket-editor/internal/infra/setup"
	"github.com/yohan020/my-bucket-editor/internal/metrics"
	"github.com/yohan020/my-bucket-editor/internal/middleware"
	"github.com/yohan020/my-bucket-editor/internal/server"
	"github.com/yohan020/my-bucket-editor/internal/service"
	"github.com/yohan020/my-bucket-editor/internal/tunnel"
)

const requestLogSize = 100

// App holds the assembled host process.
type App struct {
	Config      *Config
	Log         *logrus.Logger
	RedisClient *redis.Client
	Metrics     *metrics.Metrics

	Tokens   *service.TokenService
	Gate     *service.AccessGate
	Projects *service.ProjectService
	Requests *service.RequestLog
	Servers  *server.Registry
	Tunnels  *tunnel.Manager

	HostServer *http.Server
	hostLn     net.Listener
}

// NewApp creates every component of the host process. Nothing listens until Start.
func NewApp(ctx context.Context, cfg *Config, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}
	log.WithFields(logrus.Fields{"env": cfg.AppEnv, "data_dir": cfg.DataDir}).Info("Configuration loaded")

	var (
		redisClient *redis.Client
		limiter     middleware.Limiter
	)
	if cfg.RedisAddr != "" {
		client, err := setup.InitRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		redisClient = client
		limiter = middleware.NewRedisLimiter(client, "bucket:login:", cfg.LoginRate, time.Minute)
		log.Info("Login limiter backed by Redis")
	} else {
		limiter = middleware.NewMemoryLimiter(float64(cfg.LoginRate)/60, cfg.LoginBurst)
	}

	tokens, err := service.NewTokenService(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create TokenService: %w", err)
	}
	creds := jsonfile.NewCredentialRepository(cfg.DataDir, cfg.BcryptCost)
	projectRepo := jsonfile.NewProjectRepository(cfg.DataDir)
	gate := service.NewAccessGate(creds, tokens, cfg.BcryptCost)
	m := metrics.New()

	registry := server.NewRegistry(server.Deps{
		Gate:     gate,
		Tokens:   tokens,
		Limiter:  limiter,
		Metrics:  m,
		Logger:   log,
		BindHost: cfg.BindHost,
	})
	tunnels := tunnel.NewManager(tunnel.NewLocalTunnel(cfg.TunnelHost, registry.DialTunnel), m)
	projects := service.NewProjectService(projectRepo, creds, gate, registry)
	requests := service.NewRequestLog(gate, requestLogSize)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.LoopbackOnly())
	httpHandler.NewHostHandler(registry, projects, gate, tunnels, requests).Register(router)
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	return &App{
		Config:      cfg,
		Log:         log,
		RedisClient: redisClient,
		Metrics:     m,
		Tokens:      tokens,
		Gate:        gate,
		Projects:    projects,
		Requests:    requests,
		Servers:     registry,
		Tunnels:     tunnels,
		HostServer: &http.Server{
			Addr:              cfg.HostAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start binds the host control API. Bind errors are returned, serving happens in the background.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.HostServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.HostServer.Addr, err)
	}
	a.hostLn = ln
	go func() {
		a.Log.Infof("Host API listening on %s", ln.Addr())
		if err := a.HostServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Errorf("Host API stopped: %v", err)
		}
	}()
	return nil
}

// HostAddr is the bound address of the host API, valid after Start.
func (a *App) HostAddr() string {
	if a.hostLn == nil {
		return a.HostServer.Addr
	}
	return a.hostLn.Addr().String()
}

// Shutdown closes the tunnel, every project server and the host API.
func (a *App) Shutdown(ctx context.Context) {
	a.Log.Info("Shutting down application...")

	a.Tunnels.Cleanup()
	a.Servers.StopAll(ctx)

	if err := a.HostServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down host API: %v", err)
	}
	a.Requests.Close()

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
	a.Log.Info("Application shutdown complete.")
}
