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

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tombee/rollout/internal/controller/auth"
	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/internal/controller/coordinator"
	"github.com/tombee/rollout/pkg/jobgraph"
	"github.com/tombee/rollout/pkg/workflow"
)

const maxRequestBodySize = 1 * 1024 * 1024 // 1MB

// StartRunRequest is the body of POST /v1/projects/{project}/deploy and
// /destroy. An empty body targets every app in the project.
type StartRunRequest struct {
	// AppID targets a single app. Its runs are numbered separately from
	// whole-project runs.
	AppID string `json:"app_id,omitempty"`

	// Apps holds glob patterns over app ids.
	Apps []string `json:"apps,omitempty"`

	// Where is an expression over app id and config.
	Where string `json:"where,omitempty"`

	// InitiatedBy names the caller when the API runs without authentication.
	InitiatedBy string `json:"initiated_by,omitempty"`
}

// RunListResponse is the response format for run listings.
type RunListResponse struct {
	Runs  []workflow.RunSummary `json:"runs"`
	Count int                   `json:"count"`
}

// DeploymentListResponse is the response format for deployment listings.
type DeploymentListResponse struct {
	Deployments []*workflow.ApplicationDeployment `json:"deployments"`
	Count       int                               `json:"count"`
}

// handleStart returns the handler for starting a run of type t.
func (r *Router) handleStart(t workflow.WorkflowType) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.runs.Draining() {
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusServiceUnavailable, "controller is shutting down")
			return
		}

		var body StartRunRequest
		if err := decodeBody(req, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		run, err := r.runs.Start(req.Context(), coordinator.StartRequest{
			ProjectID:    req.PathValue("project"),
			WorkflowType: t,
			AppID:        body.AppID,
			Apps:         body.Apps,
			Where:        body.Where,
			InitiatedBy:  initiator(req, body.InitiatedBy),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	}
}

// handleListRuns handles GET /v1/projects/{project}/runs.
func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	filter, err := runFilter(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := r.runs.List(req.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	summaries := make([]workflow.RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, run.Summary())
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: summaries, Count: len(summaries)})
}

// handleDeployments handles GET /v1/projects/{project}/deployments.
func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	deployments, err := r.runs.Deployments(req.Context(), req.PathValue("project"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if deployments == nil {
		deployments = []*workflow.ApplicationDeployment{}
	}
	writeJSON(w, http.StatusOK, DeploymentListResponse{Deployments: deployments, Count: len(deployments)})
}

// handleGetRun handles GET /v1/runs/{id}.
func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	run, err := r.runs.Status(req.Context(), req.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleResume handles POST /v1/runs/{id}/resume.
func (r *Router) handleResume(w http.ResponseWriter, req *http.Request) {
	if r.runs.Draining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "controller is shutting down")
		return
	}

	run, err := r.runs.Resume(req.Context(), req.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleCancel handles POST /v1/runs/{id}/cancel.
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.runs.Cancel(req.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	run, err := r.runs.Status(req.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleGraph handles GET /v1/runs/{id}/graph.
func (r *Router) handleGraph(w http.ResponseWriter, req *http.Request) {
	run, err := r.runs.Status(req.Context(), req.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	graph, err := jobgraph.Build(run.Jobs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(req *http.Request, v any) error {
	if req.ContentLength > maxRequestBodySize {
		return fmt.Errorf("request body too large (max 1MB)")
	}
	dec := json.NewDecoder(io.LimitReader(req.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// initiator names the caller. Authenticated callers are attributed by
// their token subject and cannot override it.
func initiator(req *http.Request, fallback string) string {
	if claims, ok := auth.ClaimsFromContext(req.Context()); ok {
		return claims.Principal()
	}
	if fallback != "" {
		return fallback
	}
	return "anonymous"
}

// runFilter reads run list filters from the query string.
func runFilter(req *http.Request) (backend.RunFilter, error) {
	q := req.URL.Query()
	filter := backend.RunFilter{
		ProjectID: req.PathValue("project"),
		AppID:     q.Get("app"),
	}

	if v := q.Get("type"); v != "" {
		t, err := workflow.ParseWorkflowType(v)
		if err != nil {
			return filter, err
		}
		filter.WorkflowType = t
	}

	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status, err := parseRunStatus(strings.TrimSpace(s))
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		return filter, fmt.Errorf("invalid limit: %w", err)
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		return filter, fmt.Errorf("invalid offset: %w", err)
	}
	return filter, nil
}

func parseRunStatus(s string) (workflow.RunStatus, error) {
	switch status := workflow.RunStatus(s); status {
	case workflow.RunStatusNew, workflow.RunStatusPending, workflow.RunStatusInProgress,
		workflow.RunStatusSucceeded, workflow.RunStatusFailed, workflow.RunStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}
