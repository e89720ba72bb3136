package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayStub hands out one assignment pointing at a TCP listener it controls.
func relayStub(t *testing.T, ln net.Listener, maxConns int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.URL.Query()["new"]
		assert.True(t, ok)
		json.NewEncoder(w).Encode(assignment{
			ID:           "quiet-fox",
			Port:         ln.Addr().(*net.TCPAddr).Port,
			MaxConnCount: maxConns,
			URL:          "https://quiet-fox.loca.lt",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLocalTunnel_PipesRequests(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "hello from %s", r.URL.Path)
	}))
	defer local.Close()
	localPort := local.Listener.Addr().(*net.TCPAddr).Port

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	relay := relayStub(t, ln, 1)
	lt := NewLocalTunnel(relay.URL, nil)
	lt.RetryDelay = 10 * time.Millisecond

	sess, err := lt.Open(context.Background(), localPort)
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "https://quiet-fox.loca.lt", sess.URL())

	// The relay forwards a public request over the client's pooled connection.
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "GET /editor HTTP/1.1\r\nHost: quiet-fox.loca.lt\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hello from /editor", string(body))

	// Once the proxied connection ends the client dials the relay again.
	conn.Close()
	again, err := ln.Accept()
	require.NoError(t, err)
	again.Close()
}

func TestLocalTunnel_UsesLocalDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed := make(chan int, 1)
	dial := func(_ context.Context, port int) (net.Conn, error) {
		dialed <- port
		a, b := net.Pipe()
		go func() {
			defer b.Close()
			buf := make([]byte, 4)
			n, _ := io.ReadFull(b, buf)
			b.Write([]byte(strings.ToUpper(string(buf[:n]))))
		}()
		return a, nil
	}

	relay := relayStub(t, ln, 1)
	lt := NewLocalTunnel(relay.URL, dial)
	sess, err := lt.Open(context.Background(), 4321)
	require.NoError(t, err)
	defer sess.Close()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(buf))
	assert.Equal(t, 4321, <-dialed)
}

func TestLocalTunnel_RelayErrorIsSurfaced(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"tunnel limit reached"}`))
	}))
	defer relay.Close()

	_, err := NewLocalTunnel(relay.URL, nil).Open(context.Background(), 3000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tunnel limit reached")
}

func TestLocalTunnel_IncompleteAssignment(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x"}`))
	}))
	defer relay.Close()

	_, err := NewLocalTunnel(relay.URL, nil).Open(context.Background(), 3000)
	assert.Error(t, err)
}

func TestLocalTunnel_SessionEndsWhenRelayUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	relay := relayStub(t, ln, 2)
	ln.Close()

	lt := NewLocalTunnel(relay.URL, nil)
	lt.RetryDelay = 5 * time.Millisecond
	sess, err := lt.Open(context.Background(), 3000)
	require.NoError(t, err)

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestLocalTunnel_CloseEndsSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	relay := relayStub(t, ln, 1)
	sess, err := NewLocalTunnel(relay.URL, nil).Open(context.Background(), 3000)
	require.NoError(t, err)

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, sess.Close())
	select {
	case <-sess.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "pooled relay connection must be closed")
}
