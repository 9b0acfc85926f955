// Package client is a Go client for the topology manager REST API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"icnaas/pkg/model"
	"icnaas/pkg/store"
	"icnaas/pkg/topology"
)

const basePath = "/icnaas/api/v1.0"

// ErrRejected is returned when the manager refuses a request as invalid.
var ErrRejected = errors.New("request rejected")

type Client struct {
	base string
	http *http.Client
}

type Option func(*Client)

// WithTLS sets the TLS config used for https endpoints.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		c.http.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New returns a client for the manager at endpoint, e.g. http://10.0.0.5:5000.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RouterInput is the body of router create and update calls. Nil fields are
// left out.
type RouterInput struct {
	PublicIP *string  `json:"public_ip,omitempty"`
	Hostname *string  `json:"hostname,omitempty"`
	CoordX   *float64 `json:"coord_x,omitempty"`
	CoordY   *float64 `json:"coord_y,omitempty"`
	Layer    *int     `json:"layer,omitempty"`
	CellID   *int     `json:"cell_id,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var ae apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ae)
		return statusError(method, path, resp.StatusCode, ae.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(method, path string, code int, msg string) error {
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, store.ErrNotFound)
	case code == http.StatusBadRequest && strings.Contains(msg, store.ErrConflict.Error()):
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, store.ErrConflict)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%s %s: %s: %w", method, path, msg, ErrRejected)
	}
	return fmt.Errorf("%s %s: status %d: %s", method, path, code, msg)
}

// Available reports whether the manager answers.
func (c *Client) Available(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/availability", nil, nil)
}

func (c *Client) routers(ctx context.Context, path string) ([]model.Router, error) {
	var out struct {
		Routers []model.Router `json:"routers"`
	}
	if err := c.do(ctx, http.MethodGet, basePath+path, nil, &out); err != nil {
		return nil, err
	}
	return out.Routers, nil
}

func (c *Client) Routers(ctx context.Context) ([]model.Router, error) {
	return c.routers(ctx, "/routers")
}

func (c *Client) RoutersByCell(ctx context.Context, cell int) ([]model.Router, error) {
	return c.routers(ctx, "/routers/cell/"+strconv.Itoa(cell))
}

func (c *Client) ClientEndpoints(ctx context.Context) ([]model.Router, error) {
	return c.routers(ctx, "/endpoints/client")
}

func (c *Client) ServerEndpoints(ctx context.Context) ([]model.Router, error) {
	return c.routers(ctx, "/endpoints/server")
}

type routerBody struct {
	Router model.Router `json:"router"`
}

func (c *Client) Router(ctx context.Context, ip string) (model.Router, error) {
	var out routerBody
	err := c.do(ctx, http.MethodGet, basePath+"/routers/"+url.PathEscape(ip), nil, &out)
	return out.Router, err
}

// CreateRouter registers r with the manager.
func (c *Client) CreateRouter(ctx context.Context, r model.Router) (model.Router, error) {
	in := RouterInput{
		PublicIP: &r.PublicIP,
		Hostname: &r.Hostname,
		CoordX:   r.CoordX,
		CoordY:   r.CoordY,
		Layer:    &r.Layer,
		CellID:   &r.CellID,
	}
	var out routerBody
	err := c.do(ctx, http.MethodPost, basePath+"/routers", in, &out)
	return out.Router, err
}

func (c *Client) UpdateRouter(ctx context.Context, ip string, upd topology.RouterUpdate) (model.Router, error) {
	in := RouterInput{
		PublicIP: upd.PublicIP,
		Hostname: upd.Hostname,
		CoordX:   upd.CoordX,
		CoordY:   upd.CoordY,
		Layer:    upd.Layer,
		CellID:   upd.CellID,
	}
	var out routerBody
	err := c.do(ctx, http.MethodPut, basePath+"/routers/"+url.PathEscape(ip), in, &out)
	return out.Router, err
}

func (c *Client) DeleteRouter(ctx context.Context, ip string) error {
	return c.do(ctx, http.MethodDelete, basePath+"/routers/"+url.PathEscape(ip), nil, nil)
}

type prefixBody struct {
	Prefix model.Prefix `json:"prefix"`
}

type prefixInput struct {
	URL       string `json:"url,omitempty"`
	Balancing int    `json:"balancing"`
}

func (c *Client) Prefixes(ctx context.Context) ([]model.Prefix, error) {
	var out struct {
		Prefixes []model.Prefix `json:"prefixes"`
	}
	err := c.do(ctx, http.MethodGet, basePath+"/prefixes", nil, &out)
	return out.Prefixes, err
}

func (c *Client) Prefix(ctx context.Context, id int64) (model.Prefix, error) {
	var out prefixBody
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/prefixes/%d", basePath, id), nil, &out)
	return out.Prefix, err
}

func (c *Client) CreatePrefix(ctx context.Context, url string, balancing int) (model.Prefix, error) {
	var out prefixBody
	err := c.do(ctx, http.MethodPost, basePath+"/prefixes", prefixInput{URL: url, Balancing: balancing}, &out)
	return out.Prefix, err
}

func (c *Client) UpdatePrefix(ctx context.Context, id int64, url string, balancing int) (model.Prefix, error) {
	var out prefixBody
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/prefixes/%d", basePath, id), prefixInput{URL: url, Balancing: balancing}, &out)
	return out.Prefix, err
}

func (c *Client) DeletePrefix(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/prefixes/%d", basePath, id), nil, nil)
}

func (c *Client) Routes(ctx context.Context) ([]model.RouteEntry, error) {
	var out struct {
		Routes []model.RouteEntry `json:"routes"`
	}
	err := c.do(ctx, http.MethodGet, basePath+"/routes", nil, &out)
	return out.Routes, err
}

func (c *Client) Route(ctx context.Context, id int64) (model.RouteEntry, error) {
	var out struct {
		Route model.RouteEntry `json:"route"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/routes/%d", basePath, id), nil, &out)
	return out.Route, err
}

func (c *Client) Topology(ctx context.Context) (topology.Snapshot, error) {
	var out topology.Snapshot
	err := c.do(ctx, http.MethodGet, basePath+"/topology", nil, &out)
	return out, err
}

// Pushes lists journaled device pushes, newest first.
func (c *Client) Pushes(ctx context.Context, host string, limit int) ([]model.PushRecord, error) {
	q := url.Values{}
	if host != "" {
		q.Set("host", host)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := basePath + "/pushes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Pushes []model.PushRecord `json:"pushes"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Pushes, err
}
