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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.JobStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.DeploymentStore = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Values are cloned on the way in
// and on the way out.
type Backend struct {
	mu          sync.RWMutex
	runs        map[string]*workflow.WorkflowRun
	byNumber    map[backend.RunKey]string
	sequences   map[backend.RunScope]int
	deployments map[deploymentKey]*workflow.ApplicationDeployment
}

type deploymentKey struct {
	projectID string
	appID     string
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:        make(map[string]*workflow.WorkflowRun),
		byNumber:    make(map[backend.RunKey]string),
		sequences:   make(map[backend.RunScope]int),
		deployments: make(map[deploymentKey]*workflow.ApplicationDeployment),
	}
}

// CreateRun creates a new run with its jobs.
func (b *Backend) CreateRun(ctx context.Context, run *workflow.WorkflowRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return &errors.ConflictError{Resource: "run", ID: run.ID, Reason: "already exists"}
	}
	key := backend.RunKey{RunScope: backend.ScopeOf(run), RunNumber: run.RunNumber}
	if _, exists := b.byNumber[key]; exists {
		return &errors.ConflictError{Resource: "run", ID: run.ID, Reason: "run number already used"}
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	stored := run.Clone()
	sort.SliceStable(stored.Jobs, func(i, j int) bool {
		return stored.Jobs[i].JobNumber < stored.Jobs[j].JobNumber
	})
	b.runs[run.ID] = stored
	b.byNumber[key] = run.ID
	if b.sequences[key.RunScope] < run.RunNumber {
		b.sequences[key.RunScope] = run.RunNumber
	}
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*workflow.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run.Clone(), nil
}

// GetRunByNumber retrieves a run by scope and number.
func (b *Backend) GetRunByNumber(ctx context.Context, key backend.RunKey) (*workflow.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, exists := b.byNumber[key]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: runKeyString(key)}
	}
	return b.runs[id].Clone(), nil
}

// UpdateRun updates run-level fields.
func (b *Backend) UpdateRun(ctx context.Context, run *workflow.WorkflowRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, exists := b.runs[run.ID]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	updated := run.Clone()
	updated.Jobs = stored.Jobs
	b.runs[run.ID] = updated
	return nil
}

// UpdateJob updates one job of a run.
func (b *Backend) UpdateJob(ctx context.Context, job *workflow.WorkflowJob) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, exists := b.runs[job.RunID]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: job.RunID}
	}
	stored := run.Job(job.ID)
	if stored == nil {
		return &errors.NotFoundError{Resource: "job", ID: job.ID}
	}
	*stored = job.Clone()
	return nil
}

// ListRuns lists runs newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*workflow.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*workflow.WorkflowRun
	for _, run := range b.runs {
		if !filter.Matches(run) {
			continue
		}
		summary := run.Clone()
		summary.Jobs = nil
		result = append(result, summary)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].RunNumber > result[j].RunNumber
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// NextRunNumber allocates the next run number for scope.
func (b *Backend) NextRunNumber(ctx context.Context, scope backend.RunScope) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequences[scope]++
	return b.sequences[scope], nil
}

// GetDeployment returns the record for an app.
func (b *Backend) GetDeployment(ctx context.Context, projectID, appID string) (*workflow.ApplicationDeployment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, exists := b.deployments[deploymentKey{projectID, appID}]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "deployment", ID: projectID + "/" + appID}
	}
	return cloneDeployment(d), nil
}

// SaveDeployment creates or replaces the record for an app.
func (b *Backend) SaveDeployment(ctx context.Context, d *workflow.ApplicationDeployment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	b.deployments[deploymentKey{d.ProjectID, d.AppID}] = cloneDeployment(d)
	return nil
}

// ListDeployments returns a project's records ordered by app id.
func (b *Backend) ListDeployments(ctx context.Context, projectID string) ([]*workflow.ApplicationDeployment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*workflow.ApplicationDeployment
	for key, d := range b.deployments {
		if key.projectID == projectID {
			result = append(result, cloneDeployment(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AppID < result[j].AppID })
	return result, nil
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}

func cloneDeployment(d *workflow.ApplicationDeployment) *workflow.ApplicationDeployment {
	out := *d
	if d.Configuration != nil {
		out.Configuration = make(map[string]string, len(d.Configuration))
		for k, v := range d.Configuration {
			out.Configuration[k] = v
		}
	}
	return &out
}

func runKeyString(key backend.RunKey) string {
	s := key.ProjectID + "/" + string(key.WorkflowType)
	if key.AppID != "" {
		s += "/" + key.AppID
	}
	return s + "#" + strconv.Itoa(key.RunNumber)
}
