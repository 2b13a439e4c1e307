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

package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/internal/controller/backend/memory"
	"github.com/tombee/rollout/internal/controller/logs"
	"github.com/tombee/rollout/internal/controller/projects"
	"github.com/tombee/rollout/internal/events"
	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/internal/testing/fakeexec"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

type harness struct {
	coord    *Coordinator
	exec     *fakeexec.Executor
	backend  *memory.Backend
	hub      *logs.Hub
	events   *events.Recorder
	registry *projects.Registry
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	return cfg
}

func shopProject(appIDs ...string) *workflow.Project {
	p := &workflow.Project{
		ID:     "shop",
		Common: workflow.CommonSpec{Title: "Network"},
	}
	for _, id := range appIDs {
		p.Apps = append(p.Apps, workflow.App{ID: id})
	}
	return p
}

func newHarness(t *testing.T, cfg Config, project *workflow.Project) *harness {
	t.Helper()
	registry := projects.NewRegistry(t.TempDir(), log.Discard())
	require.NoError(t, registry.Put(project))
	return newHarnessWith(t, cfg, registry, memory.New())
}

func newHarnessWith(t *testing.T, cfg Config, registry *projects.Registry, be *memory.Backend) *harness {
	t.Helper()
	h := &harness{
		exec:     fakeexec.New(),
		backend:  be,
		hub:      logs.NewHub(),
		events:   &events.Recorder{},
		registry: registry,
	}
	h.coord = New(cfg, be, registry, h.exec,
		WithLogger(log.Discard()),
		WithLogHub(h.hub),
		WithEvents(h.events),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coord.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T, req StartRequest) *workflow.WorkflowRun {
	t.Helper()
	if req.ProjectID == "" {
		req.ProjectID = "shop"
	}
	if req.WorkflowType == "" {
		req.WorkflowType = workflow.WorkflowTypeDeploy
	}
	run, err := h.coord.Start(context.Background(), req)
	require.NoError(t, err)
	return run
}

func (h *harness) wait(t *testing.T, runID string) *workflow.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Wait(ctx, runID))

	run, err := h.coord.Status(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func (h *harness) deployment(t *testing.T, appID string) *workflow.ApplicationDeployment {
	t.Helper()
	dep, err := h.backend.GetDeployment(context.Background(), "shop", appID)
	require.NoError(t, err)
	return dep
}

func jobFor(t *testing.T, run *workflow.WorkflowRun, appID string) workflow.WorkflowJob {
	t.Helper()
	for _, job := range run.Jobs {
		if appID == "" && job.Type == workflow.JobTypeCommon {
			return job
		}
		if appID != "" && job.AppID == appID {
			return job
		}
	}
	t.Fatalf("no job for app %q", appID)
	return workflow.WorkflowJob{}
}

type executorCall struct {
	Action    workflow.Action
	JobNumber int
}

func jobNumbers(calls []executorCall) []int {
	out := make([]int, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.JobNumber)
	}
	return out
}

func callsOf(h *harness) []executorCall {
	var out []executorCall
	for _, task := range h.exec.Calls() {
		out = append(out, executorCall{Action: task.Action, JobNumber: task.JobNumber})
	}
	return out
}

func TestStart_DeploySucceeds(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web"))

	run := h.start(t, StartRequest{InitiatedBy: "alice"})
	assert.Equal(t, 1, run.RunNumber)
	assert.Equal(t, workflow.RunStatusPending, run.Status)
	require.Len(t, run.Jobs, 3)

	run = h.wait(t, run.ID)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)
	assert.NotNil(t, run.InitiatedAt)
	assert.NotNil(t, run.CompletedAt)
	for _, job := range run.Jobs {
		assert.Equal(t, workflow.JobStatusSucceeded, job.Status, "job %d", job.JobNumber)
	}

	subs := h.exec.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, run.ID, subs[0].JobID)
	assert.Equal(t, 1, subs[0].JobNumbers.Common)
	assert.Equal(t, []int{2, 3}, subs[0].JobNumbers.Apps)
	assert.Len(t, subs[0].Commands, 7)

	calls := callsOf(h)
	require.Len(t, calls, 4)
	assert.Equal(t, executorCall{workflow.ActionDeploy, 1}, calls[0])
	assert.ElementsMatch(t, []int{2, 3}, jobNumbers(calls[1:3]))
	assert.Equal(t, executorCall{workflow.ActionCompleteWorkflow, 0}, calls[3])

	assert.Equal(t, workflow.AppStatusInstalled, h.deployment(t, "api").Status)
	assert.Equal(t, workflow.AppStatusNew, h.deployment(t, "api").PreviousStatus)
	assert.Equal(t, run.ID, h.deployment(t, "web").LastRunID)

	assert.Len(t, h.events.OfType(events.RunStarted), 1)
	assert.Len(t, h.events.OfType(events.JobFinished), 3)
	finished := h.events.OfType(events.RunFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, string(workflow.RunStatusSucceeded), finished[0].Status)
}

func TestStart_ApplicationDependsOnCommon(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	common := jobFor(t, run, "")
	api := jobFor(t, run, "api")
	assert.Equal(t, []string{common.ID}, api.Dependencies)
	assert.Empty(t, common.Dependencies)
}

func TestStart_EmptyAppList(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject())

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)
	require.Len(t, run.Jobs, 1)

	assert.Equal(t, []executorCall{
		{workflow.ActionDeploy, 1},
		{workflow.ActionCompleteWorkflow, 0},
	}, callsOf(h))
}

func TestStart_SingleApp(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web"))

	h.wait(t, h.start(t, StartRequest{}).ID)
	run := h.wait(t, h.start(t, StartRequest{AppID: "web"}).ID)

	assert.Equal(t, "web", run.AppID)
	assert.Equal(t, 1, run.RunNumber, "single-app runs are numbered separately")
	require.Len(t, run.Jobs, 2)
	assert.Equal(t, workflow.JobTypeCommon, run.Jobs[0].Type)
	assert.Equal(t, "web", run.Jobs[1].AppID)

	again := h.wait(t, h.start(t, StartRequest{}).ID)
	assert.Equal(t, 2, again.RunNumber)
}

func TestStart_SelectsApps(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web-public", "web-admin"))

	run := h.wait(t, h.start(t, StartRequest{Apps: []string{"web-*"}}).ID)
	var apps []string
	for _, job := range run.Jobs {
		if job.AppID != "" {
			apps = append(apps, job.AppID)
		}
	}
	assert.Equal(t, []string{"web-public", "web-admin"}, apps)
}

func TestStart_InvalidRequests(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))

	tests := []struct {
		name  string
		req   StartRequest
		check func(t *testing.T, err error)
	}{
		{
			name: "unknown project",
			req:  StartRequest{ProjectID: "billing", WorkflowType: workflow.WorkflowTypeDeploy},
			check: func(t *testing.T, err error) {
				var nf *errors.NotFoundError
				assert.ErrorAs(t, err, &nf)
			},
		},
		{
			name: "unknown app",
			req:  StartRequest{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy, AppID: "db"},
			check: func(t *testing.T, err error) {
				var nf *errors.NotFoundError
				assert.ErrorAs(t, err, &nf)
			},
		},
		{
			name: "unknown workflow type",
			req:  StartRequest{ProjectID: "shop", WorkflowType: "rollback"},
			check: func(t *testing.T, err error) {
				var ve *errors.ValidationError
				assert.ErrorAs(t, err, &ve)
			},
		},
		{
			name: "app id with selector",
			req:  StartRequest{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy, AppID: "api", Apps: []string{"*"}},
			check: func(t *testing.T, err error) {
				var ve *errors.ValidationError
				assert.ErrorAs(t, err, &ve)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.Start(context.Background(), tt.req)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
	assert.Empty(t, h.exec.Submissions())
}

func TestStart_SubmissionRejectedPersistsNothing(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	h.exec.RejectWith(fmt.Errorf("quota exceeded"))

	_, err := h.coord.Start(context.Background(), StartRequest{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy})
	var se *errors.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "shop", se.ProjectID)

	runs, err := h.backend.ListRuns(context.Background(), backend.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	deps, err := h.backend.ListDeployments(context.Background(), "shop")
	require.NoError(t, err)
	assert.Empty(t, deps)
	assert.Empty(t, h.exec.Calls())
	assert.Empty(t, h.events.Events())

	h.exec.RejectWith(nil)
	run := h.start(t, StartRequest{})
	assert.Equal(t, 1, run.RunNumber, "a rejected submission does not consume a run number")
}

func TestStart_MalformedTemplateIsSubmissionError(t *testing.T) {
	cfg := testConfig()
	cfg.CommandTemplate = "{{.Action}} --job-id {{.Nope}}"
	h := newHarness(t, cfg, shopProject("api"))

	_, err := h.coord.Start(context.Background(), StartRequest{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy})
	var se *errors.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "shop", se.ProjectID)
	assert.Equal(t, "invalid command template", se.Reason)
	var ve *errors.ValidationError
	assert.False(t, errors.As(err, &ve))

	runs, err := h.backend.ListRuns(context.Background(), backend.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, h.exec.Submissions())
	assert.Empty(t, h.exec.Calls())
	assert.Empty(t, h.events.Events())
}

func TestFanOut_FailureIsIsolated(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web", "worker"))
	h.exec.OnApp("web", fakeexec.Behavior{Fail: true, Message: "helm upgrade failed"})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	assert.Equal(t, "1 of 3 app jobs failed", run.StatusReason)

	web := jobFor(t, run, "web")
	assert.Equal(t, workflow.JobStatusFailed, web.Status)
	assert.Equal(t, workflow.FailureKindBusiness, web.FailureKind)
	assert.Equal(t, "helm upgrade failed", web.StatusReason)
	assert.True(t, web.Compensated)

	for _, id := range []string{"api", "worker"} {
		assert.Equal(t, workflow.JobStatusSucceeded, jobFor(t, run, id).Status, id)
		assert.Equal(t, workflow.AppStatusInstalled, h.deployment(t, id).Status, id)
	}
	assert.Equal(t, workflow.AppStatusInstallFailed, h.deployment(t, "web").Status)

	aborts := h.exec.CallsFor(workflow.ActionAbortWorkflow)
	require.Len(t, aborts, 1)
	assert.Equal(t, web.JobNumber, aborts[0].JobNumber)
	assert.Len(t, h.exec.CallsFor(workflow.ActionDeploy), 4, "business failures are not retried")
	assert.Len(t, h.exec.CallsFor(workflow.ActionCompleteWorkflow), 1)
}

func TestFanOut_TolerateAppFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FailurePolicy = workflow.FailurePolicyTolerateAppFailures
	h := newHarness(t, cfg, shopProject("api", "web"))
	h.exec.OnApp("api", fakeexec.Behavior{Fail: true})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)
	assert.Equal(t, "1 of 2 app jobs failed", run.StatusReason)
	assert.Equal(t, workflow.JobStatusFailed, jobFor(t, run, "api").Status)
}

func TestCommonFailureSkipsApps(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web"))
	h.exec.On(workflow.ActionDeploy, 1, fakeexec.Behavior{Fail: true, Message: "vpc quota"})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	assert.Equal(t, "Deploy Network failed: vpc quota", run.StatusReason)

	common := jobFor(t, run, "")
	assert.Equal(t, workflow.JobStatusFailed, common.Status)
	assert.True(t, common.Compensated)
	for _, id := range []string{"api", "web"} {
		job := jobFor(t, run, id)
		assert.Equal(t, workflow.JobStatusSkipped, job.Status)
		assert.Equal(t, "skipped: Deploy Network failed", job.StatusReason)
		assert.Equal(t, workflow.AppStatusNew, h.deployment(t, id).Status)
	}

	assert.Equal(t, []executorCall{
		{workflow.ActionDeploy, 1},
		{workflow.ActionAbortWorkflow, 1},
	}, callsOf(h))
}

func TestDestroy_CommonRunsAfterAppFailures(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web"))
	h.exec.OnApp("api", fakeexec.Behavior{Fail: true})

	run := h.wait(t, h.start(t, StartRequest{WorkflowType: workflow.WorkflowTypeDestroy}).ID)
	assert.Equal(t, workflow.RunStatusFailed, run.Status)

	common := jobFor(t, run, "")
	assert.Equal(t, 3, common.JobNumber)
	assert.Equal(t, workflow.JobStatusSucceeded, common.Status)
	assert.Len(t, common.Dependencies, 2)

	destroys := h.exec.CallsFor(workflow.ActionDestroy)
	require.Len(t, destroys, 3)
	assert.Equal(t, 3, destroys[2].JobNumber, "common is destroyed last")

	assert.Equal(t, workflow.AppStatusUninstallFailed, h.deployment(t, "api").Status)
	assert.Equal(t, workflow.AppStatusUninstalled, h.deployment(t, "web").Status)
}

func TestTransportErrors_RetriedThenSucceed(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	h.exec.OnApp("api", fakeexec.Behavior{TransportErrors: 2})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)

	attempts := h.exec.CallsFor(workflow.ActionDeploy)
	require.Len(t, attempts, 4)
	assert.Equal(t, 3, attempts[3].Attempt)
	assert.Equal(t, attempts[1].Key(), attempts[3].Key(), "retries keep the idempotency key")
}

func TestTransportErrors_ExhaustedMarkTransportFailure(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	h.exec.OnApp("api", fakeexec.Behavior{TransportErrors: 10})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	assert.Equal(t, workflow.RunStatusFailed, run.Status)

	api := jobFor(t, run, "api")
	assert.Equal(t, workflow.JobStatusFailed, api.Status)
	assert.Equal(t, workflow.FailureKindTransport, api.FailureKind)
	assert.Contains(t, api.StatusReason, "after 3 attempts")
	assert.Len(t, h.exec.CallsFor(workflow.ActionDeploy), 4)
}

func TestResume_RedrivesTransportFailures(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web"))
	h.exec.OnApp("api", fakeexec.Behavior{TransportErrors: 3})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	require.Equal(t, workflow.RunStatusFailed, run.Status)
	require.Equal(t, workflow.FailureKindTransport, jobFor(t, run, "api").FailureKind)

	h.exec.Reset()
	resumed, err := h.coord.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RunNumber, resumed.RunNumber)

	run = h.wait(t, run.ID)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)
	assert.Empty(t, run.StatusReason)
	api := jobFor(t, run, "api")
	assert.Equal(t, workflow.JobStatusSucceeded, api.Status)
	assert.False(t, api.Compensated)
	assert.Equal(t, workflow.AppStatusInstalled, h.deployment(t, "api").Status)

	assert.Len(t, h.exec.Submissions(), 1)
	assert.Equal(t, []executorCall{
		{workflow.ActionDeploy, api.JobNumber},
		{workflow.ActionCompleteWorkflow, 0},
	}, callsOf(h), "completed jobs are not executed again")

	// A succeeded run is left alone.
	h.exec.Reset()
	again, err := h.coord.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusSucceeded, again.Status)
	assert.Empty(t, h.exec.Submissions())
	assert.Empty(t, h.exec.Calls())
}

func TestResume_ReopensLogStreamsOfResetJobs(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	h.exec.On(workflow.ActionDeploy, 1, fakeexec.Behavior{TransportErrors: 3})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	require.Equal(t, workflow.RunStatusFailed, run.Status)
	api := jobFor(t, run, "api")
	require.Equal(t, workflow.JobStatusSkipped, api.Status)
	require.True(t, h.hub.Finished(api.ID))

	gate := make(chan struct{})
	h.exec.On(workflow.ActionDeploy, 1, fakeexec.Behavior{Block: gate})
	_, err := h.coord.Resume(context.Background(), run.ID)
	require.NoError(t, err)

	sub := h.hub.Subscribe(api.ID)
	defer sub.Close()
	assert.False(t, h.hub.Finished(api.ID))
	select {
	case <-sub.Done:
		t.Fatal("log stream of a reset job is already done")
	default:
	}

	close(gate)
	run = h.wait(t, run.ID)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)
	select {
	case <-sub.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("log stream not finished after the job completed")
	}
}

func TestResume_KeepsBusinessFailures(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web"))
	h.exec.OnApp("web", fakeexec.Behavior{Fail: true, Message: "bad chart"})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	require.Equal(t, workflow.RunStatusFailed, run.Status)

	h.exec.Reset()
	_, err := h.coord.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	run = h.wait(t, run.ID)

	assert.Equal(t, workflow.RunStatusFailed, run.Status)
	web := jobFor(t, run, "web")
	assert.Equal(t, "bad chart", web.StatusReason)
	assert.True(t, web.Compensated)
	assert.Empty(t, h.exec.CallsFor(workflow.ActionDeploy))
	assert.Empty(t, h.exec.CallsFor(workflow.ActionAbortWorkflow))
}

func TestResume_RejectedChangesNothing(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	h.exec.OnApp("api", fakeexec.Behavior{TransportErrors: 3})
	run := h.wait(t, h.start(t, StartRequest{}).ID)

	h.exec.RejectWith(fmt.Errorf("maintenance"))
	_, err := h.coord.Resume(context.Background(), run.ID)
	var se *errors.SubmissionError
	require.ErrorAs(t, err, &se)

	stored, err := h.backend.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Status, stored.Status)
	assert.Equal(t, workflow.JobStatusFailed, jobFor(t, stored, "api").Status)
}

func TestResume_UnknownRun(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	_, err := h.coord.Resume(context.Background(), "missing")
	var nf *errors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api", "web"))
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	h.exec.OnApp("api", fakeexec.Behavior{Block: gate})

	run := h.start(t, StartRequest{})
	require.Eventually(t, func() bool {
		snap, err := h.coord.Status(context.Background(), run.ID)
		return err == nil && jobFor(t, snap, "api").Status == workflow.JobStatusInProgress
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.coord.Cancel(context.Background(), run.ID))
	run = h.wait(t, run.ID)

	assert.Equal(t, workflow.RunStatusCancelled, run.Status)
	assert.Equal(t, workflow.JobStatusCancelled, jobFor(t, run, "api").Status)
	assert.Equal(t, workflow.AppStatusUnknown, h.deployment(t, "api").Status)
	assert.Empty(t, h.exec.CallsFor(workflow.ActionCompleteWorkflow))

	err := h.coord.Cancel(context.Background(), run.ID)
	var ce *errors.ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestCancel_RunWithoutDriver(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	ctx := context.Background()

	run := &workflow.WorkflowRun{
		ID:           "orphan",
		ProjectID:    "shop",
		RunNumber:    1,
		WorkflowType: workflow.WorkflowTypeDeploy,
		Status:       workflow.RunStatusInProgress,
		Jobs: []workflow.WorkflowJob{{
			ID:        "orphan-1",
			RunID:     "orphan",
			JobNumber: 1,
			Type:      workflow.JobTypeCommon,
			Status:    workflow.JobStatusInProgress,
		}},
	}
	require.NoError(t, h.backend.CreateRun(ctx, run))

	require.NoError(t, h.coord.Cancel(ctx, run.ID))
	assert.Nil(t, h.coord.active(run.ID))

	stored, err := h.backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCancelled, stored.Status)
	assert.Equal(t, workflow.JobStatusCancelled, stored.Jobs[0].Status)
}

func TestMaxConcurrencyBound(t *testing.T) {
	project := shopProject("a", "b", "c", "d", "e", "f")
	project.MaxConcurrency = 2
	h := newHarness(t, testConfig(), project)

	gate := make(chan struct{})
	for _, app := range project.Apps {
		h.exec.OnApp(app.ID, fakeexec.Behavior{Block: gate})
	}

	run := h.start(t, StartRequest{})
	require.Eventually(t, func() bool {
		return len(h.exec.CallsFor(workflow.ActionDeploy)) == 3
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.exec.CallsFor(workflow.ActionDeploy), 3, "only two app branches may be in flight")

	close(gate)
	run = h.wait(t, run.ID)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)
	assert.Equal(t, 2, h.exec.MaxInFlight())
}

func TestOutputsAndVersion(t *testing.T) {
	project := shopProject("api")
	project.Common.Outputs = map[string]string{"vpc_id": ".vpc.id"}
	project.Apps[0].Outputs = map[string]string{OutputVersion: ".release.version"}
	h := newHarness(t, testConfig(), project)

	h.exec.On(workflow.ActionDeploy, 1, fakeexec.Behavior{Document: `{"vpc":{"id":"vpc-123"}}`})
	h.exec.OnApp("api", fakeexec.Behavior{Document: `{"release":{"version":"1.4.2"}}`})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	require.Equal(t, workflow.RunStatusSucceeded, run.Status)
	assert.Equal(t, map[string]string{"vpc_id": "vpc-123"}, jobFor(t, run, "").Outputs)
	assert.Equal(t, "1.4.2", h.deployment(t, "api").LastDeployedVersion)
}

func TestTaskLogsReachHub(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	h.exec.OnApp("api", fakeexec.Behavior{Logs: []string{"pulling image", "rollout complete"}})

	run := h.wait(t, h.start(t, StartRequest{}).ID)
	api := jobFor(t, run, "api")

	var texts []string
	for _, line := range h.hub.Lines(api.ID) {
		texts = append(texts, line.Text)
	}
	assert.Equal(t, []string{"pulling image", "rollout complete"}, texts)
	assert.True(t, h.hub.Finished(api.ID))
	assert.True(t, h.hub.Finished(jobFor(t, run, "").ID))
}

func TestStopThenRecoverInterrupted(t *testing.T) {
	registry := projects.NewRegistry(t.TempDir(), log.Discard())
	require.NoError(t, registry.Put(shopProject("api")))
	be := memory.New()

	first := newHarnessWith(t, testConfig(), registry, be)
	gate := make(chan struct{})
	defer close(gate)
	first.exec.OnApp("api", fakeexec.Behavior{Block: gate})

	run := first.start(t, StartRequest{})
	require.Eventually(t, func() bool {
		snap, err := first.coord.Status(context.Background(), run.ID)
		return err == nil && jobFor(t, snap, "api").Status == workflow.JobStatusInProgress
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.coord.Stop(ctx))

	stored, err := be.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusInProgress, stored.Status)

	_, err = first.coord.Start(context.Background(), StartRequest{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDeploy})
	assert.Error(t, err, "a stopped coordinator accepts no runs")

	second := newHarnessWith(t, testConfig(), registry, be)
	n, err := second.coord.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run = second.wait(t, run.ID)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)
	assert.Equal(t, []executorCall{
		{workflow.ActionDeploy, 2},
		{workflow.ActionCompleteWorkflow, 0},
	}, callsOf(second))
}

func TestListAndDeployments(t *testing.T) {
	h := newHarness(t, testConfig(), shopProject("api"))
	h.wait(t, h.start(t, StartRequest{}).ID)
	h.wait(t, h.start(t, StartRequest{WorkflowType: workflow.WorkflowTypeDestroy}).ID)

	runs, err := h.coord.List(context.Background(), backend.RunFilter{ProjectID: "shop", WorkflowType: workflow.WorkflowTypeDestroy})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, workflow.WorkflowTypeDestroy, runs[0].WorkflowType)

	deps, err := h.coord.Deployments(context.Background(), "shop")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, workflow.AppStatusUninstalled, deps[0].Status)
	assert.Equal(t, workflow.AppStatusInstalled, deps[0].PreviousStatus)

	_, err = h.coord.Deployments(context.Background(), "billing")
	var nf *errors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSummarize(t *testing.T) {
	jobs := func(statuses ...workflow.JobStatus) []workflow.WorkflowJob {
		out := []workflow.WorkflowJob{{Type: workflow.JobTypeCommon, Title: "Deploy Network", Status: workflow.JobStatusSucceeded}}
		for _, s := range statuses {
			out = append(out, workflow.WorkflowJob{Type: workflow.JobTypeApp, Status: s})
		}
		return out
	}

	tests := []struct {
		name        string
		run         *workflow.WorkflowRun
		bookkeeping string
		want        string
	}{
		{"all succeeded", &workflow.WorkflowRun{Status: workflow.RunStatusSucceeded, Jobs: jobs(workflow.JobStatusSucceeded)}, "", ""},
		{"app failures", &workflow.WorkflowRun{Status: workflow.RunStatusFailed, Jobs: jobs(workflow.JobStatusFailed, workflow.JobStatusSucceeded)}, "", "1 of 2 app jobs failed"},
		{"cancelled", &workflow.WorkflowRun{Status: workflow.RunStatusCancelled, Jobs: jobs(workflow.JobStatusCancelled)}, "", "cancelled"},
		{"bookkeeping", &workflow.WorkflowRun{Status: workflow.RunStatusSucceeded, Jobs: jobs()}, "timeout", "complete-workflow failed: timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, summarize(tt.run, tt.bookkeeping))
		})
	}
}
