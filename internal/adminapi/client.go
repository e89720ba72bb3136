// Package adminapi is a client for the loopback host control API.
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/middleware"
)

type Client struct {
	baseURL *url.URL
	hc      *http.Client
}

type ClientOptions struct {
	Addr    string
	Timeout time.Duration
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.Addr == "" {
		return nil, errors.New("addr is required")
	}
	u, err := url.Parse(opt.Addr)
	if err != nil || u.Host == "" {
		// Bare host:port.
		u, err = url.Parse("http://" + opt.Addr)
		if err != nil {
			return nil, err
		}
	}
	if u.Host == "" {
		return nil, errors.New("invalid addr")
	}
	timeout := opt.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Client{baseURL: u, hc: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) ListServers(ctx context.Context) ([]int, error) {
	var resp struct {
		Ports []int `json:"ports"`
	}
	if err := c.doJSON(ctx, http.MethodGet, nil, &resp, "host", "servers"); err != nil {
		return nil, err
	}
	return resp.Ports, nil
}

func (c *Client) StartServer(ctx context.Context, port int, path string) error {
	req := struct {
		Port int    `json:"port"`
		Path string `json:"path"`
	}{port, path}
	return c.doJSON(ctx, http.MethodPost, req, nil, "host", "servers")
}

func (c *Client) StopServer(ctx context.Context, port int) (bool, error) {
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, nil, &resp, "host", "servers", itoa(port)); err != nil {
		return false, err
	}
	return resp.Stopped, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var resp struct {
		Projects []domain.Project `json:"projects"`
	}
	if err := c.doJSON(ctx, http.MethodGet, nil, &resp, "host", "projects"); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

func (c *Client) CreateProject(ctx context.Context, p domain.Project) (*domain.Project, error) {
	var out domain.Project
	if err := c.doJSON(ctx, http.MethodPost, p, &out, "host", "projects"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) OpenProject(ctx context.Context, id int64) (*domain.Project, error) {
	var out domain.Project
	if err := c.doJSON(ctx, http.MethodPost, nil, &out, "host", "projects", strconv.FormatInt(id, 10), "open"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteProject(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, nil, nil, "host", "projects", strconv.FormatInt(id, 10))
}

func (c *Client) ListUsers(ctx context.Context, port int) ([]domain.UserView, error) {
	var resp struct {
		Users []domain.UserView `json:"users"`
	}
	if err := c.doJSON(ctx, http.MethodGet, nil, &resp, "host", "users", itoa(port)); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) ApproveUser(ctx context.Context, port int, email string) error {
	return c.doJSON(ctx, http.MethodPost, nil, nil, "host", "users", itoa(port), email, "approve")
}

func (c *Client) RejectUser(ctx context.Context, port int, email string) error {
	return c.doJSON(ctx, http.MethodPost, nil, nil, "host", "users", itoa(port), email, "reject")
}

func (c *Client) RemoveUser(ctx context.Context, port int, email string) error {
	return c.doJSON(ctx, http.MethodDelete, nil, nil, "host", "users", itoa(port), email)
}

// TunnelStatus describes the public tunnel.
type TunnelStatus struct {
	Active bool   `json:"active"`
	URL    string `json:"url,omitempty"`
}

func (c *Client) Tunnel(ctx context.Context) (TunnelStatus, error) {
	var st TunnelStatus
	err := c.doJSON(ctx, http.MethodGet, nil, &st, "host", "tunnel")
	return st, err
}

func (c *Client) StartTunnel(ctx context.Context, port int) (TunnelStatus, error) {
	req := struct {
		Port int `json:"port"`
	}{port}
	var st TunnelStatus
	err := c.doJSON(ctx, http.MethodPost, req, &st, "host", "tunnel")
	return st, err
}

func (c *Client) StopTunnel(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, nil, nil, "host", "tunnel")
}

func (c *Client) Requests(ctx context.Context) ([]domain.GuestRequest, error) {
	var resp struct {
		Requests []domain.GuestRequest `json:"requests"`
	}
	if err := c.doJSON(ctx, http.MethodGet, nil, &resp, "host", "requests"); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

func (c *Client) doJSON(ctx context.Context, method string, body any, out any, segments ...string) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}
	u := c.baseURL.JoinPath(segments...)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set(middleware.HostClientHeader, "1")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&er)
		if er.Error != "" {
			return errors.New(er.Error)
		}
		return errors.New(resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
