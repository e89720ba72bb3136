package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

// ServerController starts and stops project servers.
type ServerController interface {
	Start(port int, projectPath string) error
	Stop(port int) bool
	Ports() []int
}

// TunnelController manages the public tunnel.
type TunnelController interface {
	Start(ctx context.Context, port int) (string, error)
	Stop()
	ActiveURL() (string, bool)
}

// HostHandler serves the loopback control API used by the host's own tools.
type HostHandler struct {
	servers  ServerController
	projects *service.ProjectService
	gate     *service.AccessGate
	tunnels  TunnelController
	requests *service.RequestLog
}

func NewHostHandler(servers ServerController, projects *service.ProjectService, gate *service.AccessGate, tunnels TunnelController, requests *service.RequestLog) *HostHandler {
	if servers == nil || projects == nil || gate == nil || tunnels == nil || requests == nil {
		panic("all dependencies must be non-nil for HostHandler")
	}
	return &HostHandler{servers: servers, projects: projects, gate: gate, tunnels: tunnels, requests: requests}
}

// Register mounts the host routes on r.
func (h *HostHandler) Register(r gin.IRouter) {
	host := r.Group("/host")

	host.GET("/servers", h.ListServers)
	host.POST("/servers", h.StartServer)
	host.DELETE("/servers/:port", h.StopServer)

	host.GET("/projects", h.ListProjects)
	host.POST("/projects", h.CreateProject)
	host.POST("/projects/:id/open", h.OpenProject)
	host.DELETE("/projects/:id", h.DeleteProject)

	host.GET("/users/:port", h.ListUsers)
	host.POST("/users/:port/:email/approve", h.ApproveUser)
	host.POST("/users/:port/:email/reject", h.RejectUser)
	host.DELETE("/users/:port/:email", h.RemoveUser)

	host.GET("/tunnel", h.TunnelStatus)
	host.POST("/tunnel", h.StartTunnel)
	host.DELETE("/tunnel", h.StopTunnel)

	host.GET("/requests", h.Requests)
}

// StartServerRequest is the body of POST /host/servers.
type StartServerRequest struct {
	Port int    `json:"port" binding:"required"`
	Path string `json:"path" binding:"required"`
}

// TunnelRequest is the body of POST /host/tunnel.
type TunnelRequest struct {
	Port int `json:"port" binding:"required"`
}

// TunnelStatusResponse describes the public tunnel.
type TunnelStatusResponse struct {
	Active bool   `json:"active"`
	URL    string `json:"url,omitempty"`
}

func portParam(c *gin.Context) (int, bool) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		ErrorResponse(c, http.StatusBadRequest, "invalid port")
		return 0, false
	}
	return port, true
}

func (h *HostHandler) ListServers(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, gin.H{"ports": h.servers.Ports()})
}

func (h *HostHandler) StartServer(c *gin.Context) {
	var req StartServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "port and path are required")
		return
	}
	if err := h.servers.Start(req.Port, req.Path); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"port": req.Port})
}

func (h *HostHandler) StopServer(c *gin.Context) {
	port, ok := portParam(c)
	if !ok {
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"stopped": h.servers.Stop(port)})
}

func (h *HostHandler) ListProjects(c *gin.Context) {
	projects, err := h.projects.List(c.Request.Context())
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"projects": projects})
}

func (h *HostHandler) CreateProject(c *gin.Context) {
	var p domain.Project
	if err := c.ShouldBindJSON(&p); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "invalid project")
		return
	}
	created, err := h.projects.Create(c.Request.Context(), p)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, created)
}

func projectID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "invalid project id")
		return 0, false
	}
	return id, true
}

// OpenProject marks the project as used and starts its server.
func (h *HostHandler) OpenProject(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	p, err := h.projects.Touch(c.Request.Context(), id)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	if err := h.servers.Start(p.Port, p.Path); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, p)
}

func (h *HostHandler) DeleteProject(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	if err := h.projects.Delete(c.Request.Context(), id); err != nil {
		HandleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HostHandler) ListUsers(c *gin.Context) {
	port, ok := portParam(c)
	if !ok {
		return
	}
	users, err := h.gate.ListUsers(c.Request.Context(), port)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"users": users})
}

func (h *HostHandler) ApproveUser(c *gin.Context) {
	h.userAction(c, "approve", h.gate.Approve)
}

func (h *HostHandler) RejectUser(c *gin.Context) {
	h.userAction(c, "reject", h.gate.Reject)
}

func (h *HostHandler) RemoveUser(c *gin.Context) {
	h.userAction(c, "remove", h.gate.Remove)
}

func (h *HostHandler) userAction(c *gin.Context, name string, fn func(context.Context, int, string) error) {
	port, ok := portParam(c)
	if !ok {
		return
	}
	email := c.Param("email")
	if err := fn(c.Request.Context(), port, email); err != nil {
		HandleServiceError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{"port": port, "email": email, "action": name}).Info("Host API: user updated")
	SuccessResponse(c, http.StatusOK, gin.H{"email": email, "port": port})
}

func (h *HostHandler) TunnelStatus(c *gin.Context) {
	url, active := h.tunnels.ActiveURL()
	SuccessResponse(c, http.StatusOK, TunnelStatusResponse{Active: active, URL: url})
}

func (h *HostHandler) StartTunnel(c *gin.Context) {
	var req TunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "port is required")
		return
	}
	url, err := h.tunnels.Start(c.Request.Context(), req.Port)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, TunnelStatusResponse{Active: true, URL: url})
}

func (h *HostHandler) StopTunnel(c *gin.Context) {
	h.tunnels.Stop()
	c.Status(http.StatusNoContent)
}

func (h *HostHandler) Requests(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, gin.H{"requests": h.requests.Recent()})
}
