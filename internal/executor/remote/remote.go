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

// Package remote drives a task runner over HTTP.
//
// Protocol:
//
//	POST /v1/executions                       register a run (Submission)
//	POST /v1/executions/{job_id}/tasks        start a task, returns {"id"}
//	GET  /v1/tasks/{id}?log_offset=N          poll status and new log lines
//	POST /v1/tasks/{id}/cancel                best-effort cancellation
//
// POSTs carry an Idempotency-Key so the client may retry them.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/rollout/internal/executor"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/httpclient"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 2 * time.Second

// Task states reported by the runner.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Config configures the remote executor.
type Config struct {
	// URL is the runner's base URL.
	URL string

	// Token is sent as a bearer token.
	Token string

	// PollInterval is how often task status is polled.
	PollInterval time.Duration

	// HTTP overrides the client settings. Zero values use httpclient defaults
	// with retries enabled for POST.
	HTTP *httpclient.Config

	Logger *slog.Logger
}

// Executor talks to a remote task runner.
type Executor struct {
	base         *url.URL
	client       *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New creates a remote executor.
func New(cfg Config) (*Executor, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &errors.ValidationError{
			Field:   "executor.remote.url",
			Message: fmt.Sprintf("invalid runner URL %q", cfg.URL),
		}
	}

	httpCfg := httpclient.DefaultConfig()
	if cfg.HTTP != nil {
		httpCfg = *cfg.HTTP
	}
	httpCfg.AllowNonIdempotentRetry = true
	if httpCfg.TokenSource == nil {
		httpCfg.TokenSource = httpclient.StaticToken(cfg.Token)
	}
	client, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating runner client")
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		base:         base,
		client:       client,
		pollInterval: poll,
		logger:       logger.With("component", "executor.remote"),
	}, nil
}

// RejectedError is returned when the runner answers with a non-retryable
// client error.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("runner rejected request (HTTP %d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) ErrorType() string { return "rejected" }
func (e *RejectedError) IsRetryable() bool { return false }

// Accept registers the run with the runner.
func (e *Executor) Accept(ctx context.Context, sub *executor.Submission) error {
	return e.post(ctx, "/v1/executions", sub.JobID, sub, nil)
}

type startResponse struct {
	ID string `json:"id"`
}

// TaskStatus is the runner's poll response.
type TaskStatus struct {
	State      string          `json:"state"`
	Message    string          `json:"message,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	Logs       []string        `json:"logs,omitempty"`
	NextOffset int             `json:"next_offset"`
}

// Execute starts the task and polls until it reaches a final state.
func (e *Executor) Execute(ctx context.Context, task *executor.Task, sink executor.LogSink) (*executor.Result, error) {
	var started startResponse
	path := "/v1/executions/" + task.JobID + "/tasks"
	if err := e.post(ctx, path, task.Key(), task, &started); err != nil {
		return nil, err
	}
	if started.ID == "" {
		return nil, errors.New("runner returned no task id")
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	offset := 0
	for {
		status, err := e.poll(ctx, started.ID, offset)
		if err != nil {
			if ctx.Err() != nil {
				e.cancel(started.ID)
				return nil, ctx.Err()
			}
			return nil, err
		}

		for _, line := range status.Logs {
			sink.WriteLine(line)
		}
		if status.NextOffset > offset {
			offset = status.NextOffset
		}

		switch status.State {
		case StateSucceeded:
			return &executor.Result{Succeeded: true, Message: status.Message, Document: status.Document}, nil
		case StateFailed:
			return &executor.Result{Succeeded: false, Message: status.Message, Document: status.Document}, nil
		case StateQueued, StateRunning:
		default:
			return nil, fmt.Errorf("runner reported unknown task state %q", status.State)
		}

		select {
		case <-ctx.Done():
			e.cancel(started.ID)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) poll(ctx context.Context, id string, offset int) (*TaskStatus, error) {
	u := e.url("/v1/tasks/" + id)
	u.RawQuery = url.Values{"log_offset": {strconv.Itoa(offset)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var status TaskStatus
	if err := e.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// cancel asks the runner to stop a task. Failures are logged only.
func (e *Executor) cancel(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.post(ctx, "/v1/tasks/"+id+"/cancel", "cancel-"+id, struct{}{}, nil); err != nil {
		e.logger.Warn("failed to cancel remote task", "task_id", id, "error", err)
	}
}

func (e *Executor) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url(path).String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	return e.do(req, out)
}

func (e *Executor) do(req *http.Request, out any) error {
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && !httpclient.RetryableStatus(resp.StatusCode) {
			return &RejectedError{StatusCode: resp.StatusCode, Message: msg}
		}
		return &errors.TransportError{
			Operation:  req.Method + " " + req.URL.Path,
			StatusCode: resp.StatusCode,
			Cause:      errors.New(msg),
		}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (e *Executor) url(path string) *url.URL {
	u := *e.base
	u.Path = e.base.Path + path
	u.RawPath = ""
	return &u
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "empty response"
	}
	return msg
}
