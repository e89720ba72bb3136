package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/middleware"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

func TestEditorAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens, err := service.NewTokenService("mw-secret", 0)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/editor", middleware.EditorAuth(tokens, 3000), func(c *gin.Context) {
		id := c.MustGet(middleware.IdentityKey).(domain.Identity)
		c.String(http.StatusOK, id.Email)
	})

	good, err := tokens.Issue("g@x.com", 3000)
	require.NoError(t, err)
	otherPort, err := tokens.Issue("g@x.com", 3001)
	require.NoError(t, err)

	tests := []struct {
		name     string
		cookie   string
		bearer   string
		wantCode int
	}{
		{"no token", "", "", http.StatusFound},
		{"cookie token", good, "", http.StatusOK},
		{"bearer token", "", good, http.StatusOK},
		{"token for another port", otherPort, "", http.StatusFound},
		{"garbage", "abc", "", http.StatusFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/editor", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: middleware.TokenCookie, Value: tt.cookie})
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusFound {
				assert.Equal(t, "/", rec.Header().Get("Location"))
			} else {
				assert.Equal(t, "g@x.com", rec.Body.String())
			}
		})
	}
}

func TestLoopbackOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.LoopbackOnly())
	r.GET("/host/servers", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/host/servers", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name    string
		method  string
		remote  string
		host    string
		headers map[string]string
		want    int
	}{
		{"loopback v4", http.MethodGet, "127.0.0.1:5555", "127.0.0.1:7070", nil, http.StatusOK},
		{"loopback v6", http.MethodGet, "[::1]:5555", "[::1]:7070", nil, http.StatusOK},
		{"localhost host", http.MethodGet, "127.0.0.1:5555", "localhost:7070", nil, http.StatusOK},
		{"lan peer", http.MethodGet, "192.168.1.20:5555", "127.0.0.1:7070", nil, http.StatusForbidden},
		{"forwarded", http.MethodGet, "127.0.0.1:5555", "127.0.0.1:7070",
			map[string]string{"X-Forwarded-For": "198.51.100.1"}, http.StatusForbidden},
		{"rebound host name", http.MethodGet, "127.0.0.1:5555", "attacker.example:7070", nil, http.StatusForbidden},
		{"foreign origin", http.MethodPost, "127.0.0.1:5555", "127.0.0.1:7070",
			map[string]string{"Origin": "https://evil.example", "Content-Type": "application/json"}, http.StatusForbidden},
		{"foreign origin with client header", http.MethodPost, "127.0.0.1:5555", "127.0.0.1:7070",
			map[string]string{"Origin": "https://evil.example", middleware.HostClientHeader: "1"}, http.StatusForbidden},
		{"loopback origin", http.MethodPost, "127.0.0.1:5555", "127.0.0.1:7070",
			map[string]string{"Origin": "http://localhost:7070", "Content-Type": "application/json"}, http.StatusOK},
		{"text/plain post", http.MethodPost, "127.0.0.1:5555", "127.0.0.1:7070",
			map[string]string{"Content-Type": "text/plain"}, http.StatusForbidden},
		{"json post", http.MethodPost, "127.0.0.1:5555", "127.0.0.1:7070",
			map[string]string{"Content-Type": "application/json; charset=utf-8"}, http.StatusOK},
		{"client header post", http.MethodPost, "127.0.0.1:5555", "127.0.0.1:7070",
			map[string]string{middleware.HostClientHeader: "1"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/host/servers", nil)
			req.RemoteAddr = tt.remote
			req.Host = tt.host
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
