// Package client issues application-level key/value requests against node
// endpoints. It is used by client_call and assert steps and by convergence
// predicates.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Client is an HTTP key/value client over a fixed node -> base URL mapping.
type Client struct {
	endpoints map[string]string
	http      *http.Client
}

// Response is one node's answer to a request.
type Response struct {
	Status int
	Body   string
}

// New creates a Client. endpoints maps node names to base URLs
// (e.g. "http://172.28.1.11:8080"). timeout bounds each request.
func New(endpoints map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout},
	}
}

// Put writes a key on the given node.
func (c *Client) Put(ctx context.Context, node, key, value string) (Response, error) {
	return c.do(ctx, node, http.MethodPut, "/kv/"+key, value)
}

// Get reads a key from the given node.
func (c *Client) Get(ctx context.Context, node, key string) (Response, error) {
	return c.do(ctx, node, http.MethodGet, "/kv/"+key, "")
}

// Delete removes a key on the given node.
func (c *Client) Delete(ctx context.Context, node, key string) (Response, error) {
	return c.do(ctx, node, http.MethodDelete, "/kv/"+key, "")
}

// Health checks the node's health endpoint.
func (c *Client) Health(ctx context.Context, node string) error {
	resp, err := c.do(ctx, node, http.MethodGet, "/health", "")
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("node %q unhealthy: status %d", node, resp.Status)
	}

	return nil
}

func (c *Client) do(ctx context.Context, node, method, path, body string) (Response, error) {
	base, exists := c.endpoints[node]
	if !exists {
		return Response{}, fmt.Errorf("no endpoint for node %q", node)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s against %s: %w", method, path, node, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	return Response{Status: resp.StatusCode, Body: string(responseBody)}, nil
}

// Expect declares what a response must look like. Zero-valued fields are not
// checked.
type Expect struct {
	Status int               `yaml:"status,omitempty"`
	Body   string            `yaml:"body,omitempty"`
	JSON   map[string]string `yaml:"json,omitempty"` // gjson path -> expected value
}

// Empty reports whether the expectation checks nothing.
func (e Expect) Empty() bool {
	return e.Status == 0 && e.Body == "" && len(e.JSON) == 0
}

// Verify checks a response against an expectation.
func Verify(resp Response, expect Expect) error {
	if expect.Status != 0 && resp.Status != expect.Status {
		return fmt.Errorf("expected status %d, got %d", expect.Status, resp.Status)
	}

	if expect.Body != "" && resp.Body != expect.Body {
		return fmt.Errorf("expected body %q, got %q", expect.Body, resp.Body)
	}

	for path, want := range expect.JSON {
		got := gjson.Get(resp.Body, path)
		if !got.Exists() {
			return fmt.Errorf("JSON field %q missing in %q", path, resp.Body)
		}
		if got.String() != want {
			return fmt.Errorf("expected JSON field %q = %q, got %q", path, want, got.String())
		}
	}

	return nil
}
