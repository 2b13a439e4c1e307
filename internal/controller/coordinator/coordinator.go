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

// Package coordinator drives deploy and destroy runs.
//
// A Coordinator turns a start request into a workflow definition, hands the
// rendered commands to the task executor and then interprets the definition
// in a goroutine per run. Every job transition is written through the run's
// mutex so the stored run, its jobs and the affected application deployments
// never disagree.
//
// Resume re-drives a run that stopped early. Jobs that succeeded, and jobs
// that failed because the task itself failed, keep their outcome; everything
// else is reset and replayed.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/rollout/internal/config"
	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/internal/controller/logs"
	"github.com/tombee/rollout/internal/controller/metrics"
	"github.com/tombee/rollout/internal/events"
	"github.com/tombee/rollout/internal/executor"
	"github.com/tombee/rollout/internal/jq"
	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/internal/tracing"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// ProjectSource resolves project manifests.
type ProjectSource interface {
	Get(id string) (*workflow.Project, error)
}

// Config contains coordinator configuration.
type Config struct {
	// MaxConcurrency caps in-flight app branches. Projects may lower or
	// raise it with their own max_concurrency.
	MaxConcurrency int

	// CommandTemplate is used by projects that do not set their own.
	CommandTemplate string

	FailurePolicy workflow.FailurePolicy

	// TaskTimeout bounds a single Execute call. Zero means no limit.
	TaskTimeout time.Duration

	Retry RetryPolicy

	// RatePerSecond paces Execute calls across all runs. Zero disables pacing.
	RatePerSecond float64
	RateBurst     int
}

// RetryPolicy bounds transport retries of a single task.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: workflow.DefaultMaxConcurrency,
		FailurePolicy:  workflow.FailurePolicyFail,
		Retry: RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
	}
}

// ConfigFrom maps daemon configuration onto coordinator configuration.
func ConfigFrom(cfg *config.Config) Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	if cfg.Workflow.MaxConcurrency > 0 {
		out.MaxConcurrency = cfg.Workflow.MaxConcurrency
	}
	out.CommandTemplate = cfg.Workflow.CommandTemplate
	if cfg.Workflow.PartialFailurePolicy != "" {
		out.FailurePolicy = workflow.FailurePolicy(cfg.Workflow.PartialFailurePolicy)
	}
	out.TaskTimeout = cfg.Executor.TaskTimeout
	if cfg.Executor.Retry.MaxAttempts > 0 {
		out.Retry.MaxAttempts = cfg.Executor.Retry.MaxAttempts
	}
	if cfg.Executor.Retry.InitialBackoff > 0 {
		out.Retry.InitialBackoff = cfg.Executor.Retry.InitialBackoff
	}
	if cfg.Executor.Retry.MaxBackoff > 0 {
		out.Retry.MaxBackoff = cfg.Executor.Retry.MaxBackoff
	}
	out.RatePerSecond = cfg.Executor.Rate.PerSecond
	out.RateBurst = cfg.Executor.Rate.Burst
	return out
}

// StartRequest asks for a new run.
type StartRequest struct {
	ProjectID    string
	WorkflowType workflow.WorkflowType

	// AppID scopes the run to a single app. The common job still runs.
	AppID string

	// Apps and Where select a subset of the project's apps. They cannot be
	// combined with AppID.
	Apps  []string
	Where string

	InitiatedBy string
}

// Coordinator starts, drives and resumes workflow runs.
type Coordinator struct {
	cfg      Config
	backend  backend.Backend
	projects ProjectSource
	exec     executor.Executor

	logger    *slog.Logger
	hub       *logs.Hub
	events    events.Publisher
	tracer    trace.Tracer
	telemetry *tracing.Metrics
	outputs   *jq.Executor
	limiter   *rate.Limiter
	now       func() time.Time
	newID     func() string

	// ctx is cancelled by Stop. Every run context derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	runs     map[string]*activeRun
	resumeMu sync.Mutex
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// New creates a Coordinator.
func New(cfg Config, be backend.Backend, projects ProjectSource, exec executor.Executor, opts ...Option) *Coordinator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = workflow.DefaultMaxConcurrency
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		backend:  be,
		projects: projects,
		exec:     exec,
		logger:   log.WithComponent(slog.Default(), "coordinator"),
		events:   events.Nop{},
		tracer:   otel.Tracer("github.com/tombee/rollout/coordinator"),
		outputs:  jq.NewExecutor(0, 0),
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hub == nil {
		c.hub = logs.NewHub()
	}
	return c
}

// Hub returns the log hub task output is written to.
func (c *Coordinator) Hub() *logs.Hub {
	return c.hub
}

// Start validates req, submits the run to the task executor and begins
// driving it. The returned run is a snapshot taken before any job starts.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*workflow.WorkflowRun, error) {
	if c.stopped.Load() {
		return nil, fmt.Errorf("coordinator is stopped")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	project, err := c.projects.Get(req.ProjectID)
	if err != nil {
		return nil, err
	}
	appIDs, err := selectApps(project, req)
	if err != nil {
		return nil, err
	}
	apps, err := project.AppTasks(appIDs)
	if err != nil {
		return nil, err
	}

	def, err := workflow.BuildWorkflow(req.WorkflowType, project.CommonTask(), apps, c.concurrencyFor(project))
	if err != nil {
		return nil, err
	}

	now := c.now()
	run := &workflow.WorkflowRun{
		ID:           c.newID(),
		ProjectID:    project.ID,
		WorkflowType: req.WorkflowType,
		AppID:        req.AppID,
		CreatedAt:    now,
		InitiatedBy:  req.InitiatedBy,
	}
	jobIDs := make(map[string]string, len(def.Jobs))
	for _, plan := range def.Jobs {
		jobIDs[plan.Key] = c.newID()
	}
	run.Jobs = planJobs(def, run.ID, jobIDs)

	tmpl, sub, err := c.prepare(run, def, project, jobIDs)
	if err != nil {
		return nil, err
	}
	if err := c.exec.Accept(ctx, sub); err != nil {
		metrics.RecordSubmissionRejected()
		c.logger.Warn("executor rejected run",
			slog.String(log.ProjectIDKey, run.ProjectID),
			slog.String(log.WorkflowTypeKey, string(run.WorkflowType)),
			log.Error(err))
		return nil, &errors.SubmissionError{
			ProjectID: run.ProjectID,
			RunID:     run.ID,
			Reason:    "task executor rejected the run",
			Cause:     err,
		}
	}

	number, err := c.backend.NextRunNumber(ctx, backend.ScopeOf(run))
	if err != nil {
		return nil, errors.Wrap(err, "allocating run number")
	}
	run.RunNumber = number
	run.Status = workflow.DeriveRunStatus(run.Jobs, c.cfg.FailurePolicy)
	if err := c.backend.CreateRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "creating run")
	}

	ar := c.newActiveRun(run, def, tmpl, jobIDs)
	c.markAppsPending(ar, run.Jobs)

	snapshot := ar.snapshot()
	metrics.RecordRunStarted(string(run.WorkflowType))
	c.publish(events.ForRun(events.RunStarted, snapshot, now))
	ar.logger.Info("run started",
		slog.Int(log.RunNumberKey, run.RunNumber),
		slog.Int("apps", len(appIDs)),
		slog.String("initiated_by", run.InitiatedBy))

	c.launch(ar)
	return snapshot, nil
}

// Resume re-drives a run. A run that succeeded or is still being driven is
// returned unchanged and nothing is submitted.
func (c *Coordinator) Resume(ctx context.Context, runID string) (*workflow.WorkflowRun, error) {
	if c.stopped.Load() {
		return nil, fmt.Errorf("coordinator is stopped")
	}

	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	if ar := c.active(runID); ar != nil {
		return ar.snapshot(), nil
	}

	run, err := c.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == workflow.RunStatusSucceeded {
		return run, nil
	}

	project, err := c.projects.Get(run.ProjectID)
	if err != nil {
		return nil, err
	}
	def, jobIDs, err := c.rebuild(run, project)
	if err != nil {
		return nil, err
	}
	tmpl, sub, err := c.prepare(run, def, project, jobIDs)
	if err != nil {
		return nil, err
	}
	if err := c.exec.Accept(ctx, sub); err != nil {
		metrics.RecordSubmissionRejected()
		return nil, &errors.SubmissionError{
			ProjectID: run.ProjectID,
			RunID:     run.ID,
			Reason:    "task executor rejected the resumed run",
			Cause:     err,
		}
	}

	var reset []workflow.WorkflowJob
	for i := range run.Jobs {
		job := &run.Jobs[i]
		if keepsOutcome(job) {
			continue
		}
		job.Status = workflow.JobStatusNew
		job.InitiatedAt = nil
		job.CompletedAt = nil
		job.StatusReason = ""
		job.FailureKind = workflow.FailureKindNone
		job.Compensated = false
		job.Outputs = nil
		reset = append(reset, job.Clone())
	}
	run.CompletedAt = nil
	run.StatusReason = ""
	run.Status = workflow.DeriveRunStatus(run.Jobs, c.cfg.FailurePolicy)

	for i := range reset {
		if err := c.backend.UpdateJob(ctx, &reset[i]); err != nil {
			return nil, errors.Wrapf(err, "resetting job %d", reset[i].JobNumber)
		}
	}
	if err := c.backend.UpdateRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "resetting run")
	}
	for i := range reset {
		c.hub.Reopen(reset[i].ID)
	}

	ar := c.newActiveRun(run, def, tmpl, jobIDs)
	c.markAppsPending(ar, reset)

	metrics.RecordRunResumed()
	ar.logger.Info("run resumed", slog.Int("reset_jobs", len(reset)))

	snapshot := ar.snapshot()
	c.launch(ar)
	return snapshot, nil
}

// keepsOutcome reports whether a resume leaves job untouched.
func keepsOutcome(job *workflow.WorkflowJob) bool {
	switch job.Status {
	case workflow.JobStatusSucceeded:
		return true
	case workflow.JobStatusFailed:
		return job.FailureKind == workflow.FailureKindBusiness
	default:
		return false
	}
}

// Status returns a snapshot of the run. It never blocks on a running task.
func (c *Coordinator) Status(ctx context.Context, runID string) (*workflow.WorkflowRun, error) {
	if ar := c.active(runID); ar != nil {
		return ar.snapshot(), nil
	}
	return c.backend.GetRun(ctx, runID)
}

// RunByNumber returns a snapshot of the run identified by its scoped number.
func (c *Coordinator) RunByNumber(ctx context.Context, key backend.RunKey) (*workflow.WorkflowRun, error) {
	run, err := c.backend.GetRunByNumber(ctx, key)
	if err != nil {
		return nil, err
	}
	if ar := c.active(run.ID); ar != nil {
		return ar.snapshot(), nil
	}
	return run, nil
}

// Cancel stops a run. Every job that has not finished becomes Cancelled.
// Runs that already finished return a ConflictError.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	if ar := c.active(runID); ar != nil {
		ar.requestCancel()
		return nil
	}

	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	if ar := c.active(runID); ar != nil {
		ar.requestCancel()
		return nil
	}

	run, err := c.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return &errors.ConflictError{
			Resource: "run",
			ID:       runID,
			Reason:   fmt.Sprintf("run already %s", run.Status),
		}
	}

	// Nothing is driving the run, typically after a crash. Cancel it in place.
	ar := c.newActiveRun(run, nil, nil, jobIDsOf(run))
	defer ar.cancel()
	c.finishCancelled(ar)
	return nil
}

// Wait blocks until the run is no longer being driven or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, runID string) error {
	ar := c.active(runID)
	if ar == nil {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns run summaries matching filter.
func (c *Coordinator) List(ctx context.Context, filter backend.RunFilter) ([]*workflow.WorkflowRun, error) {
	runs, err := c.backend.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i, run := range runs {
		if ar := c.active(run.ID); ar != nil {
			snap := ar.snapshot()
			snap.Jobs = nil
			runs[i] = snap
		}
	}
	return runs, nil
}

// Deployments returns the per-app lifecycle records of a project.
func (c *Coordinator) Deployments(ctx context.Context, projectID string) ([]*workflow.ApplicationDeployment, error) {
	if _, err := c.projects.Get(projectID); err != nil {
		return nil, err
	}
	return c.backend.ListDeployments(ctx, projectID)
}

// RecoverInterrupted resumes runs a previous process left pending or in
// progress. It returns how many runs were resumed.
func (c *Coordinator) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := c.backend.ListRuns(ctx, backend.RunFilter{
		Statuses: []workflow.RunStatus{workflow.RunStatusPending, workflow.RunStatusInProgress},
	})
	if err != nil {
		return 0, errors.Wrap(err, "listing interrupted runs")
	}

	// Oldest first so run numbers resume in order.
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	resumed := 0
	for _, run := range runs {
		if c.active(run.ID) != nil {
			continue
		}
		if _, err := c.Resume(ctx, run.ID); err != nil {
			c.logger.Error("failed to resume interrupted run",
				slog.String(log.RunIDKey, run.ID),
				slog.String(log.ProjectIDKey, run.ProjectID),
				log.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// ActiveRunCount returns the number of runs being driven.
func (c *Coordinator) ActiveRunCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.runs)
}

// Draining reports whether Stop has been called. A draining coordinator
// accepts no new runs.
func (c *Coordinator) Draining() bool {
	return c.stopped.Load()
}

// IsActive reports whether runID is being driven by this process.
func (c *Coordinator) IsActive(runID string) bool {
	return c.active(runID) != nil
}

// Stop interrupts every run and waits for the drivers to exit. Interrupted
// runs keep their in-flight state so a later RecoverInterrupted can pick
// them up.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopped.Store(true)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for %d run(s) to stop: %w", c.ActiveRunCount(), ctx.Err())
	}
}

func (c *Coordinator) active(runID string) *activeRun {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runs[runID]
}

// launch registers ar and starts its driver goroutine.
func (c *Coordinator) launch(ar *activeRun) {
	c.mu.Lock()
	c.runs[ar.run.ID] = ar
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.runs, ar.run.ID)
			c.mu.Unlock()
			ar.cancel()
			close(ar.done)
		}()
		c.drive(ar)
	}()
}

func (c *Coordinator) concurrencyFor(project *workflow.Project) int {
	if project.MaxConcurrency > 0 {
		return project.MaxConcurrency
	}
	return c.cfg.MaxConcurrency
}

func (c *Coordinator) templateFor(project *workflow.Project) (*workflow.CommandTemplate, error) {
	source := project.CommandTemplate
	if source == "" {
		source = c.cfg.CommandTemplate
	}
	return workflow.ParseCommandTemplate(source)
}

// prepare renders every command of the run. Template failures are
// submission failures: the run is never handed to the executor.
func (c *Coordinator) prepare(run *workflow.WorkflowRun, def *workflow.Definition, project *workflow.Project, jobIDs map[string]string) (*workflow.CommandTemplate, *executor.Submission, error) {
	tmpl, err := c.templateFor(project)
	if err == nil {
		var sub *executor.Submission
		if sub, err = submission(run, def, tmpl, jobIDs); err == nil {
			return tmpl, sub, nil
		}
	}
	metrics.RecordSubmissionRejected()
	return nil, nil, &errors.SubmissionError{
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		Reason:    "invalid command template",
		Cause:     err,
	}
}

func validateRequest(req StartRequest) error {
	if req.ProjectID == "" {
		return &errors.ValidationError{Field: "project", Message: "project is required"}
	}
	switch req.WorkflowType {
	case workflow.WorkflowTypeDeploy, workflow.WorkflowTypeDestroy:
	default:
		return &errors.ValidationError{
			Field:      "workflow_type",
			Message:    fmt.Sprintf("unknown workflow type %q", req.WorkflowType),
			Suggestion: "use deploy or destroy",
		}
	}
	if req.AppID != "" && (len(req.Apps) > 0 || req.Where != "") {
		return &errors.ValidationError{
			Field:   "app_id",
			Message: "app_id cannot be combined with apps or where",
		}
	}
	return nil
}

func selectApps(project *workflow.Project, req StartRequest) ([]string, error) {
	if req.AppID != "" {
		if _, ok := project.App(req.AppID); !ok {
			return nil, &errors.NotFoundError{Resource: "app", ID: req.AppID}
		}
		return []string{req.AppID}, nil
	}
	return workflow.Selector{Patterns: req.Apps, Where: req.Where}.Select(project.Apps)
}
