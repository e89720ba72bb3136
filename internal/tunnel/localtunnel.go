package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultHost is the public localtunnel relay.
const DefaultHost = "https://localtunnel.me"

const (
	defaultMaxConns   = 10
	maxDialFailures   = 5
	defaultRetryDelay = time.Second
	firstReadBuffer   = 32 << 10
)

// LocalDialer connects to the local server being exposed.
type LocalDialer func(ctx context.Context, port int) (net.Conn, error)

// DialLoopback is the default LocalDialer.
func DialLoopback(ctx context.Context, port int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

// LocalTunnel speaks the localtunnel protocol: an HTTP call reserves a public URL and a
// TCP port on the relay, then the client keeps a pool of TCP connections to that port and
// pipes each one to the local server.
type LocalTunnel struct {
	Host       string
	HTTPClient *http.Client
	Dial       LocalDialer
	RetryDelay time.Duration
}

// NewLocalTunnel creates a relay client for host. dial may be nil for plain loopback.
func NewLocalTunnel(host string, dial LocalDialer) *LocalTunnel {
	if host == "" {
		host = DefaultHost
	}
	if dial == nil {
		dial = DialLoopback
	}
	return &LocalTunnel{
		Host:       strings.TrimRight(host, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Dial:       dial,
		RetryDelay: defaultRetryDelay,
	}
}

// assignment is the relay's reply to a new-tunnel request.
type assignment struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	Message      string `json:"message"`
}

// Open reserves a public URL for port and starts piping connections.
func (lt *LocalTunnel) Open(ctx context.Context, port int) (Session, error) {
	a, err := lt.requestAssignment(ctx)
	if err != nil {
		return nil, err
	}
	remoteHost := a.IP
	if remoteHost == "" {
		u, err := url.Parse(lt.Host)
		if err != nil {
			return nil, fmt.Errorf("parse relay host: %w", err)
		}
		remoteHost = u.Hostname()
	}
	conns := a.MaxConnCount
	if conns <= 0 {
		conns = defaultMaxConns
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &localSession{
		url:        a.URL,
		remoteAddr: net.JoinHostPort(remoteHost, strconv.Itoa(a.Port)),
		localPort:  port,
		dial:       lt.Dial,
		retryDelay: lt.RetryDelay,
		ctx:        sctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
		log:        logrus.WithFields(logrus.Fields{"component": "tunnel", "tunnel_id": a.ID, "port": port}),
	}
	s.wg.Add(conns)
	for i := 0; i < conns; i++ {
		go s.worker()
	}
	go func() {
		s.wg.Wait()
		s.finish()
	}()
	return s, nil
}

func (lt *LocalTunnel) requestAssignment(ctx context.Context) (*assignment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lt.Host+"/?new", nil)
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	resp, err := lt.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact relay: %w", err)
	}
	defer resp.Body.Close()

	var a assignment
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}
	if jerr := json.Unmarshal(body, &a); jerr != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("decode relay response: %w", jerr)
	}
	if resp.StatusCode != http.StatusOK {
		msg := a.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("relay returned %s: %s", resp.Status, msg)
	}
	if a.URL == "" || a.Port <= 0 {
		return nil, errors.New("relay response is missing url or port")
	}
	return &a, nil
}

type localSession struct {
	url        string
	remoteAddr string
	localPort  int
	dial       LocalDialer
	retryDelay time.Duration
	log        *logrus.Entry

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (s *localSession) URL() string           { return s.url }
func (s *localSession) Done() <-chan struct{} { return s.done }

func (s *localSession) Close() error {
	s.cancel()
	s.closeConns()
	<-s.done
	return nil
}

func (s *localSession) finish() {
	s.doneOnce.Do(func() {
		s.cancel()
		s.closeConns()
		close(s.done)
	})
}

func (s *localSession) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *localSession) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *localSession) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *localSession) sleep() bool {
	t := time.NewTimer(s.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// worker keeps one relay connection open, serving one proxied connection at a time. It
// gives up after repeated failures to reach the relay.
func (s *localSession) worker() {
	defer s.wg.Done()
	var d net.Dialer
	failures := 0
	for s.ctx.Err() == nil {
		remote, err := d.DialContext(s.ctx, "tcp", s.remoteAddr)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			failures++
			if failures >= maxDialFailures {
				s.log.WithError(err).Warn("Relay unreachable, giving up")
				return
			}
			if !s.sleep() {
				return
			}
			continue
		}
		failures = 0
		if !s.track(remote) {
			remote.Close()
			return
		}
		s.serve(remote)
	}
}

// serve waits for the relay to forward a request on remote, then pipes it to the local
// server.
func (s *localSession) serve(remote net.Conn) {
	defer s.untrack(remote)

	buf := make([]byte, firstReadBuffer)
	n, err := remote.Read(buf)
	if err != nil {
		return
	}
	local, err := s.dial(s.ctx, s.localPort)
	if err != nil {
		s.log.WithError(err).Warn("Local server unreachable")
		s.sleep()
		return
	}
	if !s.track(local) {
		local.Close()
		return
	}
	defer s.untrack(local)

	if _, err := local.Write(buf[:n]); err != nil {
		return
	}
	pipe(remote, local)
}

func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}
