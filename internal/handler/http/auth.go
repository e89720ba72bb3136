package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/metrics"
	"github.com/yohan020/my-bucket-editor/internal/middleware"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

// AuthHandler serves the guest login of one project server.
type AuthHandler struct {
	gate    *service.AccessGate
	port    int
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewAuthHandler creates the login handler for the server on port. ttl sets the lifetime
// of the token cookie.
func NewAuthHandler(gate *service.AccessGate, port int, ttl time.Duration, m *metrics.Metrics) *AuthHandler {
	if gate == nil {
		panic("AccessGate cannot be nil for AuthHandler")
	}
	return &AuthHandler{gate: gate, port: port, ttl: ttl, metrics: m}
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login runs the admission state machine. The status code tells the outcome: 200 with a
// token, 201 when an approval request was just sent, 202 while pending, 401 on a password
// mismatch and 403 once rejected.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.Login: Invalid input format")
		c.JSON(http.StatusBadRequest, LoginResponse{Message: "email and password are required"})
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"email": req.Email, "port": h.port})

	token, err := h.gate.Login(c.Request.Context(), h.port, req.Email, req.Password)
	status, outcome := loginStatus(err)
	h.metrics.Login(h.port, outcome)
	if err != nil {
		if status == http.StatusInternalServerError {
			logCtx.WithError(err).Error("Handler.Login: Internal error during login")
			c.JSON(status, LoginResponse{Message: "Login failed due to server error"})
			return
		}
		logCtx.WithField("outcome", outcome).Info("Handler.Login: Login not admitted")
		c.JSON(status, LoginResponse{Message: err.Error()})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.TokenCookie, token, int(h.ttl.Seconds()), "/", "", c.Request.TLS != nil, true)
	logCtx.Info("Handler.Login: Guest logged in")
	c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "access granted", Token: token})
}
