// Package client is a typed HTTP client for a missionctl server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aristath/missionctl/internal/engine"
)

// Client talks to the missionctl HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the server at baseURL (e.g. "http://127.0.0.1:8420").
// A bare host:port is treated as http.
func New(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// APIError is a non-2xx response. Message is the server's error text.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return e.Message
}

// StatusCode returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Delegate submits a goal.
func (c *Client) Delegate(ctx context.Context, req engine.DelegateRequest) (*engine.DelegateResponse, error) {
	var resp engine.DelegateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/missions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns a mission snapshot.
func (c *Client) Status(ctx context.Context, missionID string) (*engine.StatusView, error) {
	var view engine.StatusView
	if err := c.do(ctx, http.MethodGet, "/v1/missions/"+url.PathEscape(missionID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// List returns mission summaries, optionally filtered by status.
func (c *Client) List(ctx context.Context, statuses []string, limit int) ([]*engine.StatusView, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/missions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list []*engine.StatusView
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Cancel cancels a mission and returns its final snapshot.
func (c *Client) Cancel(ctx context.Context, missionID string) (*engine.StatusView, error) {
	var view engine.StatusView
	if err := c.do(ctx, http.MethodPost, "/v1/missions/"+url.PathEscape(missionID)+"/cancel", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil and the response has a body. Error responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
