package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// Client talks to the console HTTP API with a cookie-based session.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the console at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// APIError is a non-2xx answer from the console.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// DispatchResult mirrors the console's managed CLI response.
type DispatchResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exitCode"`
	Kind     string `json:"kind"`
	Timing   struct {
		TotalTime            float64 `json:"totalTime"`
		CommandTime          float64 `json:"commandTime"`
		ServerProcessingTime float64 `json:"serverProcessingTime"`
	} `json:"timing"`
}

// Status is the console's /api/status answer.
type Status struct {
	User struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	} `json:"user"`
	Backend  string  `json:"backend"`
	Uptime   float64 `json:"uptime_seconds"`
	Sessions int     `json:"sessions"`
	Contexts int     `json:"contexts"`
	InFlight int64   `json:"in_flight"`
}

// HistoryEntry is one audit record.
type HistoryEntry struct {
	Timestamp string   `json:"timestamp"`
	Operation string   `json:"operation"`
	User      string   `json:"user"`
	Args      []string `json:"args"`
	Decision  string   `json:"decision"`
	Success   bool     `json:"success"`
	Kind      string   `json:"kind"`
	ExitCode  int      `json:"exit_code"`
	Duration  float64  `json:"duration_ms"`
}

// do sends body as JSON and decodes the answer into out. Dispatch failures
// come back with a JSON body as well, so out is decoded for any status and
// the error only reports the status.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		json.Unmarshal(data, &msg)
		return &APIError{Status: resp.StatusCode, Message: msg.Message}
	}
	return nil
}

// Login signs in to the console.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.do(ctx, http.MethodPost, "/admin/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
}

// Logout signs out and tears down the isolation context.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/logout", nil, nil)
}

// Status fetches the console status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// History fetches up to limit recent audit entries.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	var out struct {
		Entries []HistoryEntry `json:"entries"`
	}
	path := fmt.Sprintf("/api/history?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Execute runs the managed CLI with args.
func (c *Client) Execute(ctx context.Context, args []string, elevate bool) (*DispatchResult, error) {
	var res DispatchResult
	err := c.do(ctx, http.MethodPost, "/api/execute-command", map[string]any{
		"args":    args,
		"elevate": elevate,
	}, &res)
	return &res, err
}

// MooLogin signs the managed CLI in. opts uses the console's JSON keys.
func (c *Client) MooLogin(ctx context.Context, opts map[string]any) (*DispatchResult, error) {
	var res DispatchResult
	err := c.do(ctx, http.MethodPost, "/api/moo-login", opts, &res)
	return &res, err
}

// MooLogout signs the managed CLI out.
func (c *Client) MooLogout(ctx context.Context, elevate bool) (*DispatchResult, error) {
	var res DispatchResult
	err := c.do(ctx, http.MethodPost, "/api/moo-logout", map[string]bool{"elevate": elevate}, &res)
	return &res, err
}

// Search looks up a command's telemetry. The answer is returned undecoded
// for printing.
func (c *Client) Search(ctx context.Context, apiKey, appID, commandID, timeRange string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodPost, "/api/search-appinsights", map[string]string{
		"apiKey":    apiKey,
		"appId":     appID,
		"commandId": commandID,
		"timeRange": timeRange,
	}, &raw)
	return raw, err
}
