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

// Package backend provides storage backends for the controller.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation so that components depend
// only on what they use:
//
//   - RunStore (core): CreateRun, GetRun, GetRunByNumber, UpdateRun
//   - JobStore: UpdateJob
//   - RunLister: ListRuns, NextRunNumber
//   - DeploymentStore: GetDeployment, SaveDeployment, ListDeployments
//   - io.Closer: Close
//
// The Backend interface composes all of these. Every implementation returns
// *errors.NotFoundError for missing records and *errors.ConflictError for
// duplicate keys, and never hands out memory it keeps a reference to.
package backend

import (
	"context"
	"io"

	"github.com/tombee/rollout/pkg/workflow"
)

// RunStore is the core interface for run storage.
type RunStore interface {
	// CreateRun stores a new run together with its jobs.
	CreateRun(ctx context.Context, run *workflow.WorkflowRun) error

	// GetRun retrieves a run and its jobs ordered by job number.
	GetRun(ctx context.Context, id string) (*workflow.WorkflowRun, error)

	// GetRunByNumber retrieves a run by its per-scope run number.
	GetRunByNumber(ctx context.Context, key RunKey) (*workflow.WorkflowRun, error)

	// UpdateRun updates run-level fields. Jobs are not touched.
	UpdateRun(ctx context.Context, run *workflow.WorkflowRun) error
}

// JobStore persists job transitions.
type JobStore interface {
	// UpdateJob updates a single job of an existing run.
	UpdateJob(ctx context.Context, job *workflow.WorkflowJob) error
}

// RunLister lists runs and allocates run numbers.
type RunLister interface {
	// ListRuns returns runs newest first. Jobs are not loaded.
	ListRuns(ctx context.Context, filter RunFilter) ([]*workflow.WorkflowRun, error)

	// NextRunNumber atomically allocates the next run number for a scope.
	// Numbers start at 1 and are never reused.
	NextRunNumber(ctx context.Context, scope RunScope) (int, error)
}

// DeploymentStore persists per-app lifecycle records.
type DeploymentStore interface {
	// GetDeployment returns the record for an app.
	GetDeployment(ctx context.Context, projectID, appID string) (*workflow.ApplicationDeployment, error)

	// SaveDeployment creates or replaces the record for an app.
	SaveDeployment(ctx context.Context, d *workflow.ApplicationDeployment) error

	// ListDeployments returns a project's records ordered by app id.
	ListDeployments(ctx context.Context, projectID string) ([]*workflow.ApplicationDeployment, error)
}

// Backend is the full storage interface.
type Backend interface {
	RunStore
	JobStore
	RunLister
	DeploymentStore
	io.Closer
}

// RunScope identifies a run number sequence: project, workflow type and the
// optional single-app target.
type RunScope struct {
	ProjectID    string
	WorkflowType workflow.WorkflowType
	AppID        string
}

// RunKey identifies a run by its number within a scope.
type RunKey struct {
	RunScope
	RunNumber int
}

// ScopeOf returns the run number scope of a run.
func ScopeOf(run *workflow.WorkflowRun) RunScope {
	return RunScope{ProjectID: run.ProjectID, WorkflowType: run.WorkflowType, AppID: run.AppID}
}

// RunFilter contains filtering options for listing runs. Zero fields match
// everything.
type RunFilter struct {
	ProjectID    string
	WorkflowType workflow.WorkflowType
	AppID        string
	Statuses     []workflow.RunStatus
	Limit        int
	Offset       int
}

// Matches reports whether run passes the filter. Used by backends that
// filter in process.
func (f RunFilter) Matches(run *workflow.WorkflowRun) bool {
	if f.ProjectID != "" && run.ProjectID != f.ProjectID {
		return false
	}
	if f.WorkflowType != "" && run.WorkflowType != f.WorkflowType {
		return false
	}
	if f.AppID != "" && run.AppID != f.AppID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if run.Status == s {
				return true
			}
		}
		return false
	}
	return true
}
