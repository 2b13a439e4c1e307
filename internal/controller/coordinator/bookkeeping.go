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
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/rollout/internal/controller/metrics"
	"github.com/tombee/rollout/internal/events"
	"github.com/tombee/rollout/internal/executor"
	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// OutputVersion is the job output recorded as an app's last deployed version.
const OutputVersion = "version"

// activeRun is the in-memory state of a run being driven. run and every
// deployment write are guarded by mu.
type activeRun struct {
	mu  sync.Mutex
	run *workflow.WorkflowRun

	// header holds the fields of run that never change once it is created.
	header *workflow.WorkflowRun

	def    *workflow.Definition
	tmpl   *workflow.CommandTemplate
	jobIDs map[string]string

	// bookkeepingFailure records a failed complete-workflow call.
	bookkeepingFailure string

	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func (c *Coordinator) newActiveRun(run *workflow.WorkflowRun, def *workflow.Definition, tmpl *workflow.CommandTemplate, jobIDs map[string]string) *activeRun {
	ctx, cancel := context.WithCancel(c.ctx)
	return &activeRun{
		run: run,
		header: &workflow.WorkflowRun{
			ID:           run.ID,
			ProjectID:    run.ProjectID,
			RunNumber:    run.RunNumber,
			WorkflowType: run.WorkflowType,
			AppID:        run.AppID,
		},
		def:    def,
		tmpl:   tmpl,
		jobIDs: jobIDs,
		logger: log.WithRunContext(c.logger, run.ProjectID, run.ID, string(run.WorkflowType)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (ar *activeRun) snapshot() *workflow.WorkflowRun {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.run.Clone()
}

func (ar *activeRun) requestCancel() {
	ar.cancelled.Store(true)
	ar.cancel()
}

// jobLocked returns the job for a plan key. ar.mu must be held.
func (ar *activeRun) jobLocked(key string) *workflow.WorkflowJob {
	id, ok := ar.jobIDs[key]
	if !ok {
		return nil
	}
	return ar.run.Job(id)
}

// job returns a copy of the job for a plan key.
func (ar *activeRun) job(key string) (workflow.WorkflowJob, bool) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	job := ar.jobLocked(key)
	if job == nil {
		return workflow.WorkflowJob{}, false
	}
	return job.Clone(), true
}

// planJobs creates the run's jobs from the definition's job plan.
func planJobs(def *workflow.Definition, runID string, jobIDs map[string]string) []workflow.WorkflowJob {
	jobs := make([]workflow.WorkflowJob, 0, len(def.Jobs))
	for _, plan := range def.Jobs {
		deps := make([]string, 0, len(plan.DependsOn))
		for _, key := range plan.DependsOn {
			if id, ok := jobIDs[key]; ok {
				deps = append(deps, id)
			}
		}
		jobs = append(jobs, workflow.WorkflowJob{
			ID:           jobIDs[plan.Key],
			RunID:        runID,
			JobNumber:    plan.Number,
			Title:        plan.Title,
			Type:         plan.Type,
			AppID:        plan.AppID,
			Status:       workflow.JobStatusNew,
			Dependencies: deps,
		})
	}
	return jobs
}

// jobIDsOf maps plan keys to job ids for a stored run.
func jobIDsOf(run *workflow.WorkflowRun) map[string]string {
	ids := make(map[string]string, len(run.Jobs))
	for _, job := range run.Jobs {
		if job.Type == workflow.JobTypeCommon {
			ids[workflow.CommonKey] = job.ID
		} else {
			ids[workflow.AppKey(job.AppID)] = job.ID
		}
	}
	return ids
}

// rebuild reconstructs the definition of a stored run. App jobs keep their
// submission order, so the builder hands out the same job numbers.
func (c *Coordinator) rebuild(run *workflow.WorkflowRun, project *workflow.Project) (*workflow.Definition, map[string]string, error) {
	var appJobs []workflow.WorkflowJob
	for _, job := range run.Jobs {
		if job.Type == workflow.JobTypeApp {
			appJobs = append(appJobs, job)
		}
	}
	sort.Slice(appJobs, func(i, j int) bool { return appJobs[i].JobNumber < appJobs[j].JobNumber })

	apps := make([]workflow.TaskSpec, 0, len(appJobs))
	for _, job := range appJobs {
		if app, ok := project.App(job.AppID); ok {
			apps = append(apps, app.Task())
			continue
		}
		// The app left the manifest after the run started. It can still be
		// driven, just without configuration or outputs.
		apps = append(apps, workflow.TaskSpec{
			Key:   workflow.AppKey(job.AppID),
			Title: job.AppID,
			AppID: job.AppID,
		})
	}

	def, err := workflow.BuildWorkflow(run.WorkflowType, project.CommonTask(), apps, c.concurrencyFor(project))
	if err != nil {
		return nil, nil, err
	}
	if len(def.Jobs) != len(run.Jobs) {
		return nil, nil, &errors.GraphIntegrityError{
			Reason: fmt.Sprintf("run has %d jobs, workflow plans %d", len(run.Jobs), len(def.Jobs)),
		}
	}

	jobIDs := make(map[string]string, len(def.Jobs))
	for _, plan := range def.Jobs {
		job := run.JobByNumber(plan.Number)
		if job == nil || job.Type != plan.Type || job.AppID != plan.AppID {
			return nil, nil, &errors.GraphIntegrityError{
				Reason: fmt.Sprintf("stored job %d does not match the %s workflow", plan.Number, run.WorkflowType),
				Nodes:  []string{plan.Key},
			}
		}
		jobIDs[plan.Key] = job.ID
	}
	return def, jobIDs, nil
}

// submission renders every command the run can issue.
func submission(run *workflow.WorkflowRun, def *workflow.Definition, tmpl *workflow.CommandTemplate, jobIDs map[string]string) (*executor.Submission, error) {
	common, apps := def.JobNumbers()
	sub := &executor.Submission{
		ProjectID:    run.ProjectID,
		RunID:        run.ID,
		WorkflowType: run.WorkflowType,
		JobID:        run.ID,
		JobNumbers:   executor.JobNumbers{Common: common, Apps: apps},
	}

	add := func(action workflow.Action, number int, appID string) error {
		args, err := renderArgs(tmpl, run, action, number, appID)
		if err != nil {
			return err
		}
		sub.Commands = append(sub.Commands, executor.Command{JobNumber: number, Action: action, Args: args})
		return nil
	}

	action := taskAction(def.Type)
	for _, plan := range def.Jobs {
		if err := add(action, plan.Number, plan.AppID); err != nil {
			return nil, err
		}
	}
	for _, plan := range def.Jobs {
		if err := add(workflow.ActionAbortWorkflow, plan.Number, plan.AppID); err != nil {
			return nil, err
		}
	}
	if err := add(workflow.ActionCompleteWorkflow, 0, ""); err != nil {
		return nil, err
	}
	return sub, nil
}

func renderArgs(tmpl *workflow.CommandTemplate, run *workflow.WorkflowRun, action workflow.Action, number int, appID string) ([]string, error) {
	args, err := tmpl.Render(workflow.CommandData{
		Action:    action,
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		JobID:     run.ID,
		JobNumber: number,
		AppID:     appID,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering %s for job %d: %w", action, number, err)
	}
	return args, nil
}

func taskAction(t workflow.WorkflowType) workflow.Action {
	if t == workflow.WorkflowTypeDestroy {
		return workflow.ActionDestroy
	}
	return workflow.ActionDeploy
}

// appEvent is what happened to an app's job, as far as its deployment
// record is concerned.
type appEvent int

const (
	appNone appEvent = iota
	appPending
	appStarted
	appSucceeded
	appFailed
	appReverted
	appInterrupted
)

// markAppsPending moves the deployments of the given app jobs to Pending.
func (c *Coordinator) markAppsPending(ar *activeRun, jobs []workflow.WorkflowJob) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	for i := range jobs {
		if jobs[i].Type == workflow.JobTypeApp {
			c.updateAppLocked(ar, &jobs[i], appPending)
		}
	}
}

// transition applies mutate to one job and writes the job, the derived run
// status and the app's deployment record under the run mutex.
func (c *Coordinator) transition(ar *activeRun, key string, mutate func(job *workflow.WorkflowJob), ev appEvent) workflow.WorkflowJob {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	job := ar.jobLocked(key)
	mutate(job)
	if ar.run.InitiatedAt == nil && job.InitiatedAt != nil {
		t := *job.InitiatedAt
		ar.run.InitiatedAt = &t
	}
	ar.run.Status = workflow.DeriveRunStatus(ar.run.Jobs, c.cfg.FailurePolicy)

	c.saveJobLocked(ar, job)
	c.saveRunLocked(ar)
	if job.Type == workflow.JobTypeApp {
		c.updateAppLocked(ar, job, ev)
	}
	return job.Clone()
}

func (c *Coordinator) saveJobLocked(ar *activeRun, job *workflow.WorkflowJob) {
	clone := job.Clone()
	if err := c.backend.UpdateJob(context.WithoutCancel(ar.ctx), &clone); err != nil {
		c.persistFailed(ar, "update_job", err)
	}
}

func (c *Coordinator) saveRunLocked(ar *activeRun) {
	if err := c.backend.UpdateRun(context.WithoutCancel(ar.ctx), ar.run.Clone()); err != nil {
		c.persistFailed(ar, "update_run", err)
	}
}

// updateAppLocked applies ev to the deployment record of job's app.
func (c *Coordinator) updateAppLocked(ar *activeRun, job *workflow.WorkflowJob, ev appEvent) {
	if ev == appNone {
		return
	}
	ctx := context.WithoutCancel(ar.ctx)
	run := ar.header

	dep, err := c.backend.GetDeployment(ctx, run.ProjectID, job.AppID)
	if err != nil {
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) {
			c.persistFailed(ar, "get_deployment", err)
			return
		}
		dep = &workflow.ApplicationDeployment{
			ProjectID: run.ProjectID,
			AppID:     job.AppID,
			Status:    workflow.AppStatusNew,
		}
	}

	// PreviousStatus is only meaningful while this run owns the record.
	previous := dep.PreviousStatus
	if dep.LastRunID != run.ID {
		previous = dep.Status
	}

	switch ev {
	case appPending:
		dep.PreviousStatus = previous
		dep.Status = workflow.AppStatusPending
		if ar.def != nil {
			if plan, ok := ar.def.Job(workflow.AppKey(job.AppID)); ok {
				dep.Configuration = plan.Config
			}
		}
	case appStarted:
		dep.Status = workflow.AppStatusForStart(run.WorkflowType, previous)
	case appSucceeded:
		dep.Status = workflow.AppStatusForSuccess(run.WorkflowType)
		if v := job.Outputs[OutputVersion]; v != "" {
			dep.LastDeployedVersion = v
		}
	case appFailed:
		dep.Status = workflow.AppStatusForFailure(run.WorkflowType, previous)
	case appReverted:
		dep.Status = previous
		if dep.Status == "" {
			dep.Status = workflow.AppStatusNew
		}
	case appInterrupted:
		dep.Status = workflow.AppStatusUnknown
	}
	dep.PreviousStatus = previous
	dep.LastRunID = run.ID
	dep.UpdatedAt = c.now()

	if err := c.backend.SaveDeployment(ctx, dep); err != nil {
		c.persistFailed(ar, "save_deployment", err)
	}
}

func (c *Coordinator) persistFailed(ar *activeRun, operation string, err error) {
	metrics.RecordPersistenceError(operation, errors.TypeOf(err))
	ar.logger.Error("failed to persist run state",
		slog.String("operation", operation),
		log.Error(err))
}

// finish closes a run whose definition ran to the end. Jobs that were never
// reached are skipped.
func (c *Coordinator) finish(ar *activeRun) *workflow.WorkflowRun {
	return c.closeRun(ar, func(job *workflow.WorkflowJob) appEvent {
		job.Status = workflow.JobStatusSkipped
		job.StatusReason = skipReason(ar.run, job)
		return appReverted
	})
}

// finishCancelled closes a cancelled run.
func (c *Coordinator) finishCancelled(ar *activeRun) *workflow.WorkflowRun {
	return c.closeRun(ar, func(job *workflow.WorkflowJob) appEvent {
		interrupted := job.Status == workflow.JobStatusInProgress
		job.Status = workflow.JobStatusCancelled
		job.StatusReason = "cancelled"
		if interrupted {
			return appInterrupted
		}
		return appReverted
	})
}

// closeRun settles every unfinished job with settle and completes the run.
func (c *Coordinator) closeRun(ar *activeRun, settle func(job *workflow.WorkflowJob) appEvent) *workflow.WorkflowRun {
	now := c.now()

	ar.mu.Lock()
	var settled []workflow.WorkflowJob
	for i := range ar.run.Jobs {
		job := &ar.run.Jobs[i]
		if job.Status.IsTerminal() {
			continue
		}
		ev := settle(job)
		job.CompletedAt = &now
		c.saveJobLocked(ar, job)
		if job.Type == workflow.JobTypeApp {
			c.updateAppLocked(ar, job, ev)
		}
		settled = append(settled, job.Clone())
	}
	ar.run.Status = workflow.DeriveRunStatus(ar.run.Jobs, c.cfg.FailurePolicy)
	ar.run.CompletedAt = &now
	ar.run.StatusReason = summarize(ar.run, ar.bookkeepingFailure)
	c.saveRunLocked(ar)
	snapshot := ar.run.Clone()
	ar.mu.Unlock()

	for i := range settled {
		c.jobFinished(ar, &settled[i])
	}
	for _, job := range snapshot.Jobs {
		c.hub.Finish(job.ID)
	}

	started := snapshot.CreatedAt
	if snapshot.InitiatedAt != nil {
		started = *snapshot.InitiatedAt
	}
	metrics.RecordRunFinished(string(snapshot.WorkflowType), string(snapshot.Status))
	c.telemetry.RecordRunComplete(context.WithoutCancel(ar.ctx), string(snapshot.WorkflowType), string(snapshot.Status), now.Sub(started))
	c.publish(events.ForRun(events.RunFinished, snapshot, now))

	ar.logger.Info("run finished",
		slog.String("status", string(snapshot.Status)),
		slog.String("reason", snapshot.StatusReason),
		slog.Duration("duration", now.Sub(started)))
	return snapshot
}

// jobFinished records metrics and publishes the event for a terminal job.
func (c *Coordinator) jobFinished(ar *activeRun, job *workflow.WorkflowJob) {
	now := c.now()
	metrics.RecordJobFinished(string(job.Type), string(job.Status), string(job.FailureKind))
	c.telemetry.RecordJobComplete(context.WithoutCancel(ar.ctx), string(job.Type), string(job.Status), job.Duration(now))
	c.publish(events.ForJob(ar.header, job, now))
}

func (c *Coordinator) publish(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn("failed to publish run event",
			slog.String("event", string(ev.Type)),
			slog.String(log.RunIDKey, ev.RunID),
			log.Error(err))
	}
}

func skipReason(run *workflow.WorkflowRun, job *workflow.WorkflowJob) string {
	for _, depID := range job.Dependencies {
		if dep := run.Job(depID); dep != nil && dep.Status == workflow.JobStatusFailed {
			return fmt.Sprintf("skipped: %s failed", dep.Title)
		}
	}
	return "skipped: run ended before the job was scheduled"
}

// summarize builds the run's status reason from its jobs.
func summarize(run *workflow.WorkflowRun, bookkeepingFailure string) string {
	var reason string
	var failedApps, apps int
	for _, job := range run.Jobs {
		if job.Type == workflow.JobTypeApp {
			apps++
			if job.Status == workflow.JobStatusFailed {
				failedApps++
			}
			continue
		}
		if job.Status == workflow.JobStatusFailed {
			reason = fmt.Sprintf("%s failed: %s", job.Title, job.StatusReason)
		}
	}

	switch {
	case run.Status == workflow.RunStatusCancelled:
		reason = "cancelled"
	case reason == "" && failedApps > 0:
		reason = fmt.Sprintf("%d of %d app jobs failed", failedApps, apps)
	}
	if bookkeepingFailure != "" {
		if reason != "" {
			reason += "; "
		}
		reason += "complete-workflow failed: " + bookkeepingFailure
	}
	return reason
}
