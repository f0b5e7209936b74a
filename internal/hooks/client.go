package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultServerURL is where `mem serve` listens unless configured otherwise.
const DefaultServerURL = "http://127.0.0.1:37778"

// Hooks run inline with session startup, so the server gets little time.
const hookTimeout = 3 * time.Second

// Client reads from a running `mem serve`.
type Client struct {
	http      *http.Client
	serverURL string
}

// NewClient picks url, then MEM_URL, then DefaultServerURL.
func NewClient(url string) *Client {
	for _, u := range []string{url, os.Getenv("MEM_URL"), DefaultServerURL} {
		if u != "" {
			url = strings.TrimRight(u, "/")
			break
		}
	}
	return &Client{
		http:      &http.Client{Timeout: hookTimeout},
		serverURL: url,
	}
}

// getJSON fetches path and decodes a 200 body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// Document returns the rendered topic document.
func (c *Client) Document(ctx context.Context) (string, error) {
	var resp struct {
		Document string `json:"document"`
	}
	if err := c.getJSON(ctx, "/api/document", &resp); err != nil {
		return "", err
	}
	return resp.Document, nil
}

// Healthy reports whether the server answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	var resp struct {
		Status string `json:"status"`
	}
	return c.getJSON(ctx, "/api/health", &resp) == nil && resp.Status == "ok"
}
