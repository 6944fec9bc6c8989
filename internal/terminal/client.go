// Package terminal manages interactive terminal tabs hosted by a sandbox's
// xterm backend.
package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const backendHTTPTimeout = 15 * time.Second

// CreateRequest is the terminal backend's tab creation payload.
type CreateRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

// defaultTab attaches to the sandbox's shared tmux session, creating it if
// this is the first attach.
var defaultTab = CreateRequest{
	Cmd:  "tmux",
	Args: []string{"new-session", "-A", "-s", "main"},
}

// Client talks to a sandbox's terminal backend over its resolved base URL.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: backendHTTPTimeout}}
}

// ListTabs returns the tab ids scoped to the context key.
func (c *Client) ListTabs(ctx context.Context, baseURL, contextKey string) ([]string, error) {
	u := fmt.Sprintf("%s/tabs?context=%s", baseURL, url.QueryEscape(contextKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("terminal backend returned %d listing tabs", resp.StatusCode)
	}
	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode tab list: %w", err)
	}
	return ids, nil
}

// CreateTab creates a tab and returns its id.
func (c *Client) CreateTab(ctx context.Context, baseURL, contextKey string, create CreateRequest) (string, error) {
	body, err := json.Marshal(create)
	if err != nil {
		return "", fmt.Errorf("encode create request: %w", err)
	}
	u := fmt.Sprintf("%s/tabs?context=%s", baseURL, url.QueryEscape(contextKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create tab: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("terminal backend returned %d creating tab", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return out.ID, nil
}
