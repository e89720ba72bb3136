package middleware

import (
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/service"
)

// HostClientHeader marks requests sent by the host's own tools. Browsers cannot add it to a
// cross-site request without a CORS preflight, which the host API never grants.
const HostClientHeader = "X-Bucket-Host"

// LoopbackOnly rejects requests that do not come straight from this machine. Besides a
// loopback peer it requires a loopback Host (DNS rebinding), a missing or loopback Origin,
// and on state-changing methods a JSON body or HostClientHeader.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		logCtx := logrus.WithFields(logrus.Fields{
			"remote_addr": c.Request.RemoteAddr,
			"host":        c.Request.Host,
			"origin":      c.GetHeader("Origin"),
		})
		forwarded := c.GetHeader("X-Forwarded-For") != ""
		if !service.IsLocalPeer(c.GetHeader("Origin"), c.Request.RemoteAddr, forwarded) || !loopbackHost(c.Request.Host) {
			logCtx.Warn("LoopbackOnly: refused non-local request")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "host API is only reachable from this machine"})
			return
		}
		if !safeMethod(c.Request.Method) && c.GetHeader(HostClientHeader) == "" && !isJSON(c.GetHeader("Content-Type")) {
			logCtx.Warn("LoopbackOnly: refused state change without JSON body or client header")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "requests must be JSON or carry " + HostClientHeader})
			return
		}
		c.Next()
	}
}

func loopbackHost(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.Trim(hostport, "[]")
	}
	return service.IsLoopbackHost(host)
}

func safeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
