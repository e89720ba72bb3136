package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yohan020/my-bucket-editor/internal/adminapi"
	"github.com/yohan020/my-bucket-editor/internal/domain"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		AppEnv:      "test",
		LogLevel:    "warn",
		DataDir:     t.TempDir(),
		TokenSecret: "test-secret",
		TokenTTL:    time.Hour,
		BcryptCost:  4,
		HostAddr:    "127.0.0.1:0",
		BindHost:    "127.0.0.1",
		LoginRate:   600,
		LoginBurst:  10,
		TunnelHost:  "http://127.0.0.1:1",
	}
}

func startApp(t *testing.T, cfg *Config) (*App, *adminapi.Client) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	app, err := NewApp(context.Background(), cfg, log)
	require.NoError(t, err)
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(ctx)
	})
	client, err := adminapi.NewClient(adminapi.ClientOptions{Addr: app.HostAddr()})
	require.NoError(t, err)
	return app, client
}

func TestApp_ProjectLifecycle(t *testing.T) {
	app, client := startApp(t, testConfig(t))
	ctx := context.Background()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))
	port := freePort(t)

	p, err := client.CreateProject(ctx, domain.Project{Name: "demo", Path: root, Port: port})
	require.NoError(t, err)
	_, err = client.OpenProject(ctx, p.ID)
	require.NoError(t, err)

	ports, err := client.ListServers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{port}, ports)

	// A guest asks to join and shows up for the host.
	resp, err := http.Post("http://127.0.0.1:"+strconv.Itoa(port)+"/api/login", "application/json",
		strings.NewReader(`{"email":"g@x.io","password":"pw"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	users, err := client.ListUsers(ctx, port)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, domain.StatusPending, users[0].Status)

	require.Eventually(t, func() bool {
		reqs, err := client.Requests(ctx)
		return err == nil && len(reqs) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.ApproveUser(ctx, port, "g@x.io"))
	resp, err = http.Post("http://127.0.0.1:"+strconv.Itoa(port)+"/api/login", "application/json",
		strings.NewReader(`{"email":"g@x.io","password":"pw"}`))
	require.NoError(t, err)
	var login struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	resp.Body.Close()
	assert.True(t, login.Success)
	id, err := app.Tokens.VerifyForPort(login.Token, port)
	require.NoError(t, err)
	assert.Equal(t, "g@x.io", id.Email)

	// Deleting the project stops its server and forgets its guests.
	require.NoError(t, client.DeleteProject(ctx, p.ID))
	ports, err = client.ListServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ports)
	users, err = client.ListUsers(ctx, port)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestApp_HostAPIRefusesCrossSiteRequests(t *testing.T) {
	app, client := startApp(t, testConfig(t))
	body := `{"port":` + strconv.Itoa(freePort(t)) + `,"path":"` + t.TempDir() + `"}`

	send := func(origin, contentType string) int {
		req, err := http.NewRequest(http.MethodPost, "http://"+app.HostAddr()+"/host/servers", strings.NewReader(body))
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, send("https://evil.example", "text/plain"))
	assert.Equal(t, http.StatusForbidden, send("https://evil.example", "application/json"))
	assert.Equal(t, http.StatusForbidden, send("", "text/plain"))

	ports, err := client.ListServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestApp_MetricsEndpoint(t *testing.T) {
	app, _ := startApp(t, testConfig(t))

	resp, err := http.Get("http://" + app.HostAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "bucket_server_running")
}

func TestApp_RedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()

	app, _ := startApp(t, cfg)
	require.NotNil(t, app.RedisClient)
}

func TestApp_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	mr.Close()

	_, err := NewApp(context.Background(), cfg, logrus.New())
	assert.Error(t, err)
}

func TestApp_HostAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.HostAddr = ln.Addr().String()
	app, err := NewApp(context.Background(), cfg, logrus.New())
	require.NoError(t, err)
	assert.Error(t, app.Start())
}

// The tunnel reaches the project server through the in-process listener, so its guests
// are never treated as local.
func TestApp_TunnelRoutesToProjectServer(t *testing.T) {
	relayLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer relayLn.Close()
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "brave-otter",
			"port":           relayLn.Addr().(*net.TCPAddr).Port,
			"max_conn_count": 1,
			"url":            "https://brave-otter.loca.lt",
		})
	}))
	defer relay.Close()

	cfg := testConfig(t)
	cfg.TunnelHost = relay.URL
	app, client := startApp(t, cfg)
	ctx := context.Background()

	port := freePort(t)
	require.NoError(t, client.StartServer(ctx, port, t.TempDir()))

	st, err := client.StartTunnel(ctx, port)
	require.NoError(t, err)
	assert.Equal(t, "https://brave-otter.loca.lt", st.URL)
	url, ok := app.Tunnels.ActiveURL()
	assert.True(t, ok)
	assert.Equal(t, st.URL, url)

	conn, err := relayLn.Accept()
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "GET /ws HTTP/1.1\r\nHost: brave-otter.loca.lt\r\n"+
		"Connection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Version: 13\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, client.StopTunnel(ctx))
	_, ok = app.Tunnels.ActiveURL()
	assert.False(t, ok)
}
