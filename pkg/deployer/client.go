package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client talks to a Heat-style orchestration API.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   zerolog.Logger
}

// NewClient returns a deployer for the stacks API rooted at base.
func NewClient(base, token string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
		log:   log.With().Str("component", "deployer").Logger(),
	}
}

type stackRequest struct {
	Name     string `json:"stack_name,omitempty"`
	Template string `json:"template"`
}

type stackBody struct {
	Stack struct {
		ID      string   `json:"id"`
		Status  string   `json:"stack_status"`
		Outputs []Output `json:"outputs"`
	} `json:"stack"`
}

func (c *Client) Deploy(ctx context.Context, template []byte, name string) (string, error) {
	var out stackBody
	if err := c.do(ctx, http.MethodPost, "/stacks", stackRequest{Name: name, Template: string(template)}, &out); err != nil {
		return "", fmt.Errorf("deploy %s: %w", name, err)
	}
	c.log.Info().Str("stack", out.Stack.ID).Str("name", name).Msg("stack submitted")
	return out.Stack.ID, nil
}

func (c *Client) Update(ctx context.Context, stackID string, template []byte) error {
	if err := c.do(ctx, http.MethodPut, "/stacks/"+url.PathEscape(stackID), stackRequest{Template: string(template)}, nil); err != nil {
		return fmt.Errorf("update %s: %w", stackID, err)
	}
	c.log.Info().Str("stack", stackID).Msg("stack update submitted")
	return nil
}

func (c *Client) Details(ctx context.Context, stackID string) (Details, error) {
	var out stackBody
	if err := c.do(ctx, http.MethodGet, "/stacks/"+url.PathEscape(stackID), nil, &out); err != nil {
		return Details{}, fmt.Errorf("details %s: %w", stackID, err)
	}
	return Details{State: out.Stack.Status, Outputs: out.Stack.Outputs}, nil
}

func (c *Client) Dispose(ctx context.Context, stackID string) error {
	if err := c.do(ctx, http.MethodDelete, "/stacks/"+url.PathEscape(stackID), nil, nil); err != nil {
		return fmt.Errorf("dispose %s: %w", stackID, err)
	}
	c.log.Info().Str("stack", stackID).Msg("stack deleted")
	return nil
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
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrStackNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
