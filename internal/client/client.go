// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tombee/rollout/internal/config"
	"github.com/tombee/rollout/internal/logrelay"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/httpclient"
	"github.com/tombee/rollout/pkg/jobgraph"
	"github.com/tombee/rollout/pkg/workflow"
)

// DefaultServerURL is used when no server is configured.
const DefaultServerURL = "http://127.0.0.1:8420"

const userAgent = "rollout-cli/1.0"

// Client is a client for the rolloutd API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	tokenSource  oauth2.TokenSource
	timeout      time.Duration
	logBackoff   time.Duration
	logRetries   int
	customClient bool
}

// New creates a new client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    DefaultServerURL,
		timeout:    30 * time.Second,
		logBackoff: logrelay.DefaultBackoff,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		cfg := httpclient.DefaultConfig()
		cfg.Timeout = c.timeout
		cfg.UserAgent = userAgent
		cfg.TokenSource = c.tokenSource
		hc, err := httpclient.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create http client: %w", err)
		}
		c.httpClient = hc
	}

	return c, nil
}

// FromConfig creates a client from CLI settings. An empty token falls back to
// the keyring entry for the server.
func FromConfig(cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	base := []Option{
		WithBaseURL(cfg.ServerURL),
		WithLogRetry(cfg.LogRetryBackoff, cfg.LogMaxRetries),
	}
	if cfg.Timeout > 0 {
		base = append(base, WithTimeout(cfg.Timeout))
	}
	if ts := ResolveTokenSource(cfg.ServerURL, cfg.Token); ts != nil {
		base = append(base, WithTokenSource(ts))
	}
	return New(append(base, opts...)...)
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL sets the server base URL.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if raw == "" {
			return nil
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &errors.ValidationError{
				Field:      "server",
				Message:    fmt.Sprintf("invalid server URL %q", raw),
				Suggestion: "use a URL such as http://127.0.0.1:8420",
			}
		}
		c.baseURL = strings.TrimRight(raw, "/")
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client. It is used as-is for API calls
// and for log streaming.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		c.customClient = true
		return nil
	}
}

// WithTokenSource authenticates requests with bearer tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) error {
		c.tokenSource = ts
		return nil
	}
}

// WithToken authenticates requests with a fixed bearer token.
func WithToken(token string) Option {
	return WithTokenSource(httpclient.StaticToken(token))
}

// WithTimeout bounds non-streaming API calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be > 0, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithLogRetry sets the log stream reconnect delay and retry bound.
func WithLogRetry(backoff time.Duration, maxRetries int) Option {
	return func(c *Client) error {
		if backoff > 0 {
			c.logBackoff = backoff
		}
		c.logRetries = maxRetries
		return nil
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response from rolloutd.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// ErrorType returns the server's error classification, falling back to one
// derived from the status code.
func (e *APIError) ErrorType() string {
	if e.Type != "" && e.Type != "unknown" {
		return e.Type
	}
	switch e.StatusCode {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "auth"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGatewayTimeout:
		return "timeout"
	}
	return "server"
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return httpclient.RetryableStatus(e.StatusCode)
}

var _ errors.ErrorClassifier = (*APIError)(nil)

// HealthResponse is the response from /v1/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// VersionResponse is the response from /v1/version.
type VersionResponse struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// StartRequest selects the apps a deploy or destroy run targets. The zero
// value targets the whole project.
type StartRequest struct {
	AppID       string   `json:"app_id,omitempty"`
	Apps        []string `json:"apps,omitempty"`
	Where       string   `json:"where,omitempty"`
	InitiatedBy string   `json:"initiated_by,omitempty"`
}

// ListRunsRequest filters a run listing.
type ListRunsRequest struct {
	WorkflowType workflow.WorkflowType
	AppID        string
	Statuses     []workflow.RunStatus
	Limit        int
	Offset       int
}

func (r ListRunsRequest) query() url.Values {
	q := url.Values{}
	if r.WorkflowType != "" {
		q.Set("type", string(r.WorkflowType))
	}
	if r.AppID != "" {
		q.Set("app", r.AppID)
	}
	if len(r.Statuses) > 0 {
		parts := make([]string, len(r.Statuses))
		for i, s := range r.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	if r.Offset > 0 {
		q.Set("offset", strconv.Itoa(r.Offset))
	}
	return q
}

type runList struct {
	Runs  []workflow.RunSummary `json:"runs"`
	Count int                   `json:"count"`
}

type deploymentList struct {
	Deployments []*workflow.ApplicationDeployment `json:"deployments"`
	Count       int                               `json:"count"`
}

// Health returns the server health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Version returns the server version information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/version", nil, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Deploy starts a deploy run for the project.
func (c *Client) Deploy(ctx context.Context, projectID string, req StartRequest) (*workflow.WorkflowRun, error) {
	return c.start(ctx, projectID, "deploy", req)
}

// Destroy starts a destroy run for the project.
func (c *Client) Destroy(ctx context.Context, projectID string, req StartRequest) (*workflow.WorkflowRun, error) {
	return c.start(ctx, projectID, "destroy", req)
}

func (c *Client) start(ctx context.Context, projectID, action string, req StartRequest) (*workflow.WorkflowRun, error) {
	var run workflow.WorkflowRun
	path := "/v1/projects/" + url.PathEscape(projectID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists a project's runs, newest first.
func (c *Client) ListRuns(ctx context.Context, projectID string, req ListRunsRequest) ([]workflow.RunSummary, error) {
	path := "/v1/projects/" + url.PathEscape(projectID) + "/runs"
	if q := req.query(); len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list runList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Runs, nil
}

// Deployments lists the per-app deployment records for a project.
func (c *Client) Deployments(ctx context.Context, projectID string) ([]*workflow.ApplicationDeployment, error) {
	var list deploymentList
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(projectID)+"/deployments", nil, &list); err != nil {
		return nil, err
	}
	return list.Deployments, nil
}

// GetRun returns a run with its jobs.
func (c *Client) GetRun(ctx context.Context, runID string) (*workflow.WorkflowRun, error) {
	var run workflow.WorkflowRun
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Resume continues an interrupted or failed run.
func (c *Client) Resume(ctx context.Context, runID string) (*workflow.WorkflowRun, error) {
	var run workflow.WorkflowRun
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/resume", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Cancel requests cancellation of a running run.
func (c *Client) Cancel(ctx context.Context, runID string) (*workflow.WorkflowRun, error) {
	var run workflow.WorkflowRun
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Graph returns the dependency graph of a run.
func (c *Client) Graph(ctx context.Context, runID string) (*jobgraph.Graph, error) {
	var g jobgraph.Graph
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/graph", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Relay returns a log relay bound to this server. Streams are long-lived, so
// the relay's HTTP client has no overall timeout and no transport-level
// retry; reconnects are the relay's job.
func (c *Client) Relay(opts ...logrelay.Option) *logrelay.Relay {
	base := []logrelay.Option{
		logrelay.WithHTTPClient(c.streamingClient()),
		logrelay.WithBackoff(c.logBackoff),
		logrelay.WithMaxRetries(c.logRetries),
	}
	return logrelay.New(c.baseURL, append(base, opts...)...)
}

func (c *Client) streamingClient() *http.Client {
	if c.customClient {
		return c.httpClient
	}
	return &http.Client{
		Transport: httpclient.Wrap(http.DefaultTransport, httpclient.Config{
			UserAgent:   userAgent,
			TokenSource: c.tokenSource,
		}),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &errors.TransportError{Operation: method + " " + path, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Type = body.Type
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
