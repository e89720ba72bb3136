package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/service"
)

// TokenCookie is the cookie the guest page stores the session token in.
const TokenCookie = "token"

// IdentityKey is the gin context key holding the authenticated domain.Identity.
const IdentityKey = "identity"

// ErrMissingToken is returned when a request carries no session token at all.
var ErrMissingToken = errors.New("missing session token")

// EditorAuth guards pages that need a session for this project. Requests without a valid
// token for port are redirected to the guest login page.
func EditorAuth(tokens *service.TokenService, port int) gin.HandlerFunc {
	if tokens == nil {
		panic("TokenService cannot be nil for EditorAuth middleware")
	}
	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err == nil {
			id, verr := tokens.VerifyForPort(tokenStr, port)
			if verr == nil {
				c.Set(IdentityKey, id)
				logrus.WithFields(logrus.Fields{"email": id.Email, "port": port}).Debug("EditorAuth: session accepted")
				c.Next()
				return
			}
			err = verr
		}
		logrus.WithError(err).WithField("port", port).Debug("EditorAuth: redirecting to login")
		c.Redirect(http.StatusFound, "/")
		c.Abort()
	}
}

// extractToken reads the session token from the token cookie, falling back to an
// "Authorization: Bearer" header.
func extractToken(c *gin.Context) (string, error) {
	if t, err := c.Cookie(TokenCookie); err == nil && t != "" {
		return t, nil
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", service.ErrInvalidToken
	}
	return parts[1], nil
}
