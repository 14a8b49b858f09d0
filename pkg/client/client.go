// Package client is an HTTP client for the liveflow status API and for fetching query
// results from the upstream REST API that live updates invalidate.
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
	"time"

	"github.com/nkkko/liveflow/pkg/proto"
)

// Client is an HTTP client for a liveflow-speaking server
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a new client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")

	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// envelope is the status API's response wrapper
type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
}

// ConnectionStats describes one live connection of a running liveflow
type ConnectionStats struct {
	Key         proto.SubscriptionKey `json:"key"`
	URL         string                `json:"url"`
	Subscribers []string              `json:"subscribers"`
	Status      proto.Status          `json:"status"`
	Events      uint64                `json:"events"`
	Created     time.Time             `json:"created"`
}

// Stats is the live connection snapshot
type Stats struct {
	Connections []ConnectionStats `json:"connections"`
	Subscribers int               `json:"subscribers"`
}

// Subscriber describes one subscriber
type Subscriber struct {
	ID     string                `json:"id"`
	Key    proto.SubscriptionKey `json:"key"`
	Status proto.Status          `json:"status"`
}

// Health checks the server is up
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Stats fetches the live connection snapshot
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.call(ctx, http.MethodGet, "/api/v1/live/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Subscriber fetches one subscriber's key and status
func (c *Client) Subscriber(ctx context.Context, id string) (*Subscriber, error) {
	var sub Subscriber
	if err := c.call(ctx, http.MethodGet, "/api/v1/live/subscribers/"+url.PathEscape(id), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Reconnect asks the server to reconnect the subscriber's connection with a fresh retry budget
func (c *Client) Reconnect(ctx context.Context, id string) (*Subscriber, error) {
	var sub Subscriber
	if err := c.call(ctx, http.MethodPost, "/api/v1/live/subscribers/"+url.PathEscape(id)+"/reconnect", nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// PublishRequest injects a change into a dev stream server
type PublishRequest struct {
	Table         string `json:"table"`
	Operation     string `json:"operation"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	RecordID      string `json:"record_id,omitempty"`
	OldStatus     string `json:"old_status,omitempty"`
	NewStatus     string `json:"new_status,omitempty"`
	StatusChanged *bool  `json:"status_changed,omitempty"`
}

// PublishResult reports how many clients received a published change
type PublishResult struct {
	Delivered int `json:"delivered"`
}

// Publish sends a change to a dev stream server
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	var res PublishResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/dev/publish", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Get returns the raw body of a GET to path
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// Fetcher returns a function loading path, shaped for the query cache
func (c *Client) Fetcher(path string, query url.Values) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return c.Get(ctx, path, query)
	}
}

// call makes a request and decodes the enveloped data into out
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var env envelope
		if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
			apiErr = env.Error
			apiErr.StatusCode = resp.StatusCode
		}
		return nil, apiErr
	}

	return resp, nil
}
