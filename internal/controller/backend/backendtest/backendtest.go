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

// Package backendtest holds the behaviour every storage backend must share.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) backend.Backend

// Run executes the shared backend suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, be backend.Backend)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"GetMissing", testGetMissing},
		{"GetRunByNumber", testGetRunByNumber},
		{"UpdateRun", testUpdateRun},
		{"UpdateJob", testUpdateJob},
		{"NoAliasing", testNoAliasing},
		{"ListRuns", testListRuns},
		{"NextRunNumber", testNextRunNumber},
		{"NextRunNumberConcurrent", testNextRunNumberConcurrent},
		{"Deployments", testDeployments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := factory(t)
			t.Cleanup(func() { be.Close() })
			tt.fn(t, be)
		})
	}
}

// NewRun returns a deploy run with a common job and one job per app.
func NewRun(id, projectID string, number int, apps ...string) *workflow.WorkflowRun {
	created := time.Date(2025, 3, 1, 12, 0, number, 0, time.UTC)
	run := &workflow.WorkflowRun{
		ID:           id,
		ProjectID:    projectID,
		RunNumber:    number,
		WorkflowType: workflow.WorkflowTypeDeploy,
		CreatedAt:    created,
		InitiatedBy:  "alice",
		Status:       workflow.RunStatusPending,
	}
	run.Jobs = append(run.Jobs, workflow.WorkflowJob{
		ID:           id + "-1",
		RunID:        id,
		JobNumber:    1,
		Title:        "Deploy common",
		Type:         workflow.JobTypeCommon,
		Status:       workflow.JobStatusNew,
		Dependencies: []string{},
	})
	for i, app := range apps {
		run.Jobs = append(run.Jobs, workflow.WorkflowJob{
			ID:           fmt.Sprintf("%s-%d", id, i+2),
			RunID:        id,
			JobNumber:    i + 2,
			Title:        "Deploy " + app,
			Type:         workflow.JobTypeApp,
			AppID:        app,
			Status:       workflow.JobStatusNew,
			Dependencies: []string{id + "-1"},
		})
	}
	return run
}

func testCreateAndGet(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	run := NewRun("run-1", "shop", 1, "api", "web")

	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	got, err := be.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.ProjectID != "shop" || got.RunNumber != 1 || got.WorkflowType != workflow.WorkflowTypeDeploy {
		t.Errorf("GetRun() = %+v", got)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
	if got.InitiatedBy != "alice" {
		t.Errorf("InitiatedBy = %q, want alice", got.InitiatedBy)
	}
	if len(got.Jobs) != 3 {
		t.Fatalf("len(Jobs) = %d, want 3", len(got.Jobs))
	}
	for i, job := range got.Jobs {
		if job.JobNumber != i+1 {
			t.Errorf("Jobs[%d].JobNumber = %d, want %d", i, job.JobNumber, i+1)
		}
	}
	if got.Jobs[2].AppID != "web" || got.Jobs[2].Type != workflow.JobTypeApp {
		t.Errorf("Jobs[2] = %+v", got.Jobs[2])
	}
	if len(got.Jobs[1].Dependencies) != 1 || got.Jobs[1].Dependencies[0] != "run-1-1" {
		t.Errorf("Jobs[1].Dependencies = %v", got.Jobs[1].Dependencies)
	}
	if got.InitiatedAt != nil || got.CompletedAt != nil {
		t.Errorf("expected unset timestamps, got %v %v", got.InitiatedAt, got.CompletedAt)
	}
}

func testCreateDuplicate(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	if err := be.CreateRun(ctx, NewRun("run-1", "shop", 1)); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	var conflict *errors.ConflictError
	err := be.CreateRun(ctx, NewRun("run-1", "shop", 2))
	if !errors.As(err, &conflict) {
		t.Errorf("duplicate id: error = %v, want ConflictError", err)
	}

	err = be.CreateRun(ctx, NewRun("run-2", "shop", 1))
	if !errors.As(err, &conflict) {
		t.Errorf("duplicate run number: error = %v, want ConflictError", err)
	}

	// Same number in another project is fine.
	if err := be.CreateRun(ctx, NewRun("run-3", "blog", 1)); err != nil {
		t.Errorf("CreateRun() other project error = %v", err)
	}
}

func testGetMissing(t *testing.T, be backend.Backend) {
	ctx := context.Background()

	var notFound *errors.NotFoundError
	if _, err := be.GetRun(ctx, "nope"); !errors.As(err, &notFound) {
		t.Errorf("GetRun() error = %v, want NotFoundError", err)
	}
	if err := be.UpdateRun(ctx, NewRun("nope", "shop", 1)); !errors.As(err, &notFound) {
		t.Errorf("UpdateRun() error = %v, want NotFoundError", err)
	}
	job := workflow.WorkflowJob{ID: "nope-1", RunID: "nope"}
	if err := be.UpdateJob(ctx, &job); !errors.As(err, &notFound) {
		t.Errorf("UpdateJob() error = %v, want NotFoundError", err)
	}
	if _, err := be.GetDeployment(ctx, "shop", "api"); !errors.As(err, &notFound) {
		t.Errorf("GetDeployment() error = %v, want NotFoundError", err)
	}
}

func testGetRunByNumber(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	deploy := NewRun("run-1", "shop", 1, "api")
	destroy := NewRun("run-2", "shop", 1, "api")
	destroy.WorkflowType = workflow.WorkflowTypeDestroy
	single := NewRun("run-3", "shop", 1, "api")
	single.AppID = "api"

	for _, run := range []*workflow.WorkflowRun{deploy, destroy, single} {
		if err := be.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", run.ID, err)
		}
	}

	tests := []struct {
		key  backend.RunKey
		want string
	}{
		{backend.RunKey{RunScope: backend.RunScope{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy}, RunNumber: 1}, "run-1"},
		{backend.RunKey{RunScope: backend.RunScope{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDestroy}, RunNumber: 1}, "run-2"},
		{backend.RunKey{RunScope: backend.RunScope{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy, AppID: "api"}, RunNumber: 1}, "run-3"},
	}
	for _, tt := range tests {
		got, err := be.GetRunByNumber(ctx, tt.key)
		if err != nil {
			t.Fatalf("GetRunByNumber(%+v) error = %v", tt.key, err)
		}
		if got.ID != tt.want {
			t.Errorf("GetRunByNumber(%+v) = %s, want %s", tt.key, got.ID, tt.want)
		}
		if len(got.Jobs) != 2 {
			t.Errorf("GetRunByNumber(%+v) jobs = %d, want 2", tt.key, len(got.Jobs))
		}
	}

	var notFound *errors.NotFoundError
	missing := backend.RunKey{RunScope: backend.RunScope{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy}, RunNumber: 9}
	if _, err := be.GetRunByNumber(ctx, missing); !errors.As(err, &notFound) {
		t.Errorf("GetRunByNumber() error = %v, want NotFoundError", err)
	}
}

func testUpdateRun(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	run := NewRun("run-1", "shop", 1, "api")
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	started := time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC)
	done := started.Add(90 * time.Second)
	run.Status = workflow.RunStatusFailed
	run.StatusReason = "api failed"
	run.InitiatedAt = &started
	run.CompletedAt = &done
	// Job changes go through UpdateJob only.
	run.Jobs[0].Status = workflow.JobStatusSucceeded

	if err := be.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun() error = %v", err)
	}

	got, err := be.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != workflow.RunStatusFailed || got.StatusReason != "api failed" {
		t.Errorf("status = %s %q", got.Status, got.StatusReason)
	}
	if got.InitiatedAt == nil || !got.InitiatedAt.Equal(started) {
		t.Errorf("InitiatedAt = %v, want %v", got.InitiatedAt, started)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
	}
	if got.Jobs[0].Status != workflow.JobStatusNew {
		t.Errorf("UpdateRun() changed job status to %s", got.Jobs[0].Status)
	}
}

func testUpdateJob(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	run := NewRun("run-1", "shop", 1, "api")
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	started := time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC)
	job := run.Jobs[1].Clone()
	job.Status = workflow.JobStatusFailed
	job.StatusReason = "exit status 1"
	job.FailureKind = workflow.FailureKindBusiness
	job.Compensated = true
	job.InitiatedAt = &started
	job.Outputs = map[string]string{"url": "https://api.example.com"}

	if err := be.UpdateJob(ctx, &job); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	got, err := be.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	updated := got.JobByNumber(2)
	if updated.Status != workflow.JobStatusFailed || updated.StatusReason != "exit status 1" {
		t.Errorf("job = %+v", updated)
	}
	if updated.FailureKind != workflow.FailureKindBusiness || !updated.Compensated {
		t.Errorf("failure fields = %s %v", updated.FailureKind, updated.Compensated)
	}
	if updated.InitiatedAt == nil || !updated.InitiatedAt.Equal(started) {
		t.Errorf("InitiatedAt = %v", updated.InitiatedAt)
	}
	if updated.Outputs["url"] != "https://api.example.com" {
		t.Errorf("Outputs = %v", updated.Outputs)
	}
	if got.JobByNumber(1).Status != workflow.JobStatusNew {
		t.Errorf("other job changed: %+v", got.JobByNumber(1))
	}
}

func testNoAliasing(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	run := NewRun("run-1", "shop", 1, "api")
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	run.Jobs[1].Dependencies[0] = "mutated"
	first, err := be.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	first.Status = workflow.RunStatusCancelled
	first.Jobs[0].Title = "mutated"

	second, err := be.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if second.Status != workflow.RunStatusPending {
		t.Errorf("Status = %s, want pending", second.Status)
	}
	if second.Jobs[0].Title == "mutated" {
		t.Error("job title aliased stored memory")
	}
	if second.Jobs[1].Dependencies[0] != "run-1-1" {
		t.Errorf("Dependencies = %v, input slice aliased stored memory", second.Jobs[1].Dependencies)
	}
}

func testListRuns(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		run := NewRun(fmt.Sprintf("run-%d", i), "shop", i, "api")
		if i == 2 {
			run.Status = workflow.RunStatusFailed
		}
		if err := be.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}
	if err := be.CreateRun(ctx, NewRun("other", "blog", 1)); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	runs, err := be.ListRuns(ctx, backend.RunFilter{ProjectID: "shop"})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("len(ListRuns) = %d, want 4", len(runs))
	}
	if runs[0].ID != "run-4" || runs[3].ID != "run-1" {
		t.Errorf("order = %s..%s, want newest first", runs[0].ID, runs[3].ID)
	}
	if len(runs[0].Jobs) != 0 {
		t.Errorf("ListRuns() loaded %d jobs", len(runs[0].Jobs))
	}

	page, err := be.ListRuns(ctx, backend.RunFilter{ProjectID: "shop", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != "run-3" || page[1].ID != "run-2" {
		t.Errorf("page = %v", runIDs(page))
	}

	failed, err := be.ListRuns(ctx, backend.RunFilter{Statuses: []workflow.RunStatus{workflow.RunStatusFailed}})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run-2" {
		t.Errorf("failed = %v", runIDs(failed))
	}

	tail, err := be.ListRuns(ctx, backend.RunFilter{ProjectID: "shop", Offset: 3})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(tail) != 1 || tail[0].ID != "run-1" {
		t.Errorf("tail = %v", runIDs(tail))
	}
}

func testNextRunNumber(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	scope := backend.RunScope{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy}

	for want := 1; want <= 3; want++ {
		got, err := be.NextRunNumber(ctx, scope)
		if err != nil {
			t.Fatalf("NextRunNumber() error = %v", err)
		}
		if got != want {
			t.Errorf("NextRunNumber() = %d, want %d", got, want)
		}
	}

	other := backend.RunScope{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDestroy}
	if got, _ := be.NextRunNumber(ctx, other); got != 1 {
		t.Errorf("NextRunNumber(destroy) = %d, want 1", got)
	}

	// Creating a run with an explicit number moves the sequence past it.
	if err := be.CreateRun(ctx, NewRun("run-10", "blog", 10)); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	blog := backend.RunScope{ProjectID: "blog", WorkflowType: workflow.WorkflowTypeDeploy}
	if got, _ := be.NextRunNumber(ctx, blog); got != 11 {
		t.Errorf("NextRunNumber(blog) = %d, want 11", got)
	}
}

func testNextRunNumberConcurrent(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	scope := backend.RunScope{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy}

	const workers = 20
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := be.NextRunNumber(ctx, scope)
			if err != nil {
				t.Errorf("NextRunNumber() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[n] {
				t.Errorf("run number %d allocated twice", n)
			}
			seen[n] = true
		}()
	}
	wg.Wait()

	for n := 1; n <= workers; n++ {
		if !seen[n] {
			t.Errorf("run number %d never allocated", n)
		}
	}
}

func testDeployments(t *testing.T, be backend.Backend) {
	ctx := context.Background()
	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []*workflow.ApplicationDeployment{
		{ProjectID: "shop", AppID: "web", Status: workflow.AppStatusInstalling, LastRunID: "run-1", UpdatedAt: updated},
		{ProjectID: "shop", AppID: "api", Status: workflow.AppStatusInstalled, Configuration: map[string]string{"replicas": "2"}, UpdatedAt: updated},
		{ProjectID: "blog", AppID: "api", Status: workflow.AppStatusNew, UpdatedAt: updated},
	}
	for _, d := range records {
		if err := be.SaveDeployment(ctx, d); err != nil {
			t.Fatalf("SaveDeployment() error = %v", err)
		}
	}

	got, err := be.GetDeployment(ctx, "shop", "api")
	if err != nil {
		t.Fatalf("GetDeployment() error = %v", err)
	}
	if got.Status != workflow.AppStatusInstalled || got.Configuration["replicas"] != "2" {
		t.Errorf("GetDeployment() = %+v", got)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, updated)
	}

	// Upsert replaces the record.
	web := *records[0]
	web.PreviousStatus = web.Status
	web.Status = workflow.AppStatusInstallFailed
	if err := be.SaveDeployment(ctx, &web); err != nil {
		t.Fatalf("SaveDeployment() error = %v", err)
	}

	list, err := be.ListDeployments(ctx, "shop")
	if err != nil {
		t.Fatalf("ListDeployments() error = %v", err)
	}
	if len(list) != 2 || list[0].AppID != "api" || list[1].AppID != "web" {
		t.Fatalf("ListDeployments() = %+v", list)
	}
	if list[1].Status != workflow.AppStatusInstallFailed || list[1].PreviousStatus != workflow.AppStatusInstalling {
		t.Errorf("web = %+v", list[1])
	}
}

func runIDs(runs []*workflow.WorkflowRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
