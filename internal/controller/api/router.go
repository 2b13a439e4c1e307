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

// Package api serves the controller's HTTP interface: run submission, the
// run and deployment read model, job graphs and live job logs.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/rollout/internal/controller/auth"
	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/internal/controller/coordinator"
	"github.com/tombee/rollout/internal/controller/logs"
	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/internal/tracing"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// RouterConfig contains build information reported by /v1/version.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// RunService is the part of the coordinator the API drives.
type RunService interface {
	Start(ctx context.Context, req coordinator.StartRequest) (*workflow.WorkflowRun, error)
	Resume(ctx context.Context, runID string) (*workflow.WorkflowRun, error)
	Status(ctx context.Context, runID string) (*workflow.WorkflowRun, error)
	RunByNumber(ctx context.Context, key backend.RunKey) (*workflow.WorkflowRun, error)
	Cancel(ctx context.Context, runID string) error
	List(ctx context.Context, filter backend.RunFilter) ([]*workflow.WorkflowRun, error)
	Deployments(ctx context.Context, projectID string) ([]*workflow.ApplicationDeployment, error)
	IsActive(runID string) bool
	ActiveRunCount() int
	Draining() bool
	Hub() *logs.Hub
}

// Router handles HTTP requests for the controller.
type Router struct {
	mux     *http.ServeMux
	config  RouterConfig
	runs    RunService
	auth    *auth.Middleware
	logger  *slog.Logger
	handler http.Handler
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithAuth protects every non-public route with m.
func WithAuth(m *auth.Middleware) RouterOption {
	return func(r *Router) { r.auth = m }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) RouterOption {
	return func(r *Router) {
		if h != nil {
			r.mux.Handle("GET /metrics", h)
		}
	}
}

// NewRouter creates a router serving runs.
func NewRouter(cfg RouterConfig, runs RunService, opts ...RouterOption) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		runs:   runs,
		logger: log.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)

	r.mux.HandleFunc("POST /v1/projects/{project}/deploy", r.handleStart(workflow.WorkflowTypeDeploy))
	r.mux.HandleFunc("POST /v1/projects/{project}/destroy", r.handleStart(workflow.WorkflowTypeDestroy))
	r.mux.HandleFunc("GET /v1/projects/{project}/runs", r.handleListRuns)
	r.mux.HandleFunc("GET /v1/projects/{project}/deployments", r.handleDeployments)
	r.mux.HandleFunc("GET /v1/projects/{project}/logs/{type}/{run_number}/{job_number}", r.handleLogs)

	r.mux.HandleFunc("GET /v1/runs/{id}", r.handleGetRun)
	r.mux.HandleFunc("POST /v1/runs/{id}/resume", r.handleResume)
	r.mux.HandleFunc("POST /v1/runs/{id}/cancel", r.handleCancel)
	r.mux.HandleFunc("GET /v1/runs/{id}/graph", r.handleGraph)

	// Middleware chain from innermost to outermost: auth, request logging,
	// trace context extraction.
	var handler http.Handler = r.mux
	if r.auth != nil {
		handler = r.auth.Wrap(handler)
	}
	handler = log.HTTPMiddleware(log.WithComponent(r.logger, "api"), handler)
	handler = tracing.HTTPMiddleware(handler)
	r.handler = handler

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for additional route registration.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", log.Error(err))
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps a coordinator error onto an HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), Type: errors.TypeOf(err)})
}

func statusFor(err error) int {
	var (
		validation *errors.ValidationError
		notFound   *errors.NotFoundError
		conflict   *errors.ConflictError
		integrity  *errors.GraphIntegrityError
		submission *errors.SubmissionError
		timeout    *errors.TimeoutError
	)
	switch {
	case errors.As(err, &submission):
		return http.StatusBadGateway
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &integrity):
		return http.StatusUnprocessableEntity
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
