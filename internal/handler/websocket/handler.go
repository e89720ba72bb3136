package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/hub"
	"github.com/yohan020/my-bucket-editor/internal/middleware"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

// WebSocketHandler admits channel connections for one project server and hands them to its
// hub.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
	gate     *service.AccessGate
	port     int
}

// NewWebSocketHandler creates the handler for the server on port.
func NewWebSocketHandler(h *hub.Hub, gate *service.AccessGate, port int) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if gate == nil {
		panic("AccessGate cannot be nil for WebSocketHandler")
	}
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin peers are admitted by token in HandleConnection before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub:  h,
		gate: gate,
		port: port,
	}
}

// HandleConnection checks admission and upgrades the request. Refused peers get a plain
// HTTP 401 and never join a room.
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	logCtx := logrus.WithFields(logrus.Fields{
		"component": "websocket",
		"port":      h.port,
		"client_ip": c.ClientIP(),
	})

	req := service.ConnectionRequest{
		Port:       h.port,
		Origin:     c.GetHeader("Origin"),
		RemoteAddr: c.Request.RemoteAddr,
		Forwarded:  c.GetHeader("X-Forwarded-For") != "",
		Token:      tokenFromRequest(c),
	}
	adm, err := h.gate.AdmitConnection(req)
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: connection refused")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": err.Error()})
		return
	}
	logCtx = logCtx.WithFields(logrus.Fields{"email": adm.Identity.Email, "local": adm.Local})

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logCtx.WithError(err).Warn("WS Handler: failed to upgrade connection")
		return
	}
	client, err := h.hub.Serve(conn, adm)
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: hub refused connection")
		return
	}
	logCtx.WithField("conn_id", client.ID()).Info("WS Handler: connection upgraded")
}

func tokenFromRequest(c *gin.Context) string {
	if t, err := c.Cookie(middleware.TokenCookie); err == nil && t != "" {
		return t
	}
	return c.Query("token")
}
