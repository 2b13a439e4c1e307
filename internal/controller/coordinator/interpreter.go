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
	"time"

	"github.com/tombee/rollout/internal/controller/metrics"
	"github.com/tombee/rollout/internal/executor"
	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/internal/tracing"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/httpclient"
	"github.com/tombee/rollout/pkg/workflow"
)

// taskOutcome is how a task step ended.
type taskOutcome int

const (
	taskSucceeded taskOutcome = iota
	taskFailed
	// taskAborted means the run context was cancelled mid-task. Nothing
	// was recorded for the job.
	taskAborted
)

// drive interprets the run's definition and settles the run.
func (c *Coordinator) drive(ar *activeRun) {
	ctx, span := tracing.StartRun(ar.ctx, c.tracer, ar.snapshot())

	ar.logger.Debug("driving run", slog.String("start_at", ar.def.StartAt))
	err := c.runDefinition(ctx, ar, ar.def, "")

	switch {
	case ar.cancelled.Load():
		run := c.finishCancelled(ar)
		span.Finish(string(run.Status), false, run.StatusReason)
	case ar.ctx.Err() != nil:
		// Stop interrupted the run. Its state stays in flight for a later
		// resume.
		ar.logger.Warn("run interrupted", log.Error(err))
		span.End()
	default:
		if err != nil {
			ar.logger.Error("run definition stopped early", log.Error(err))
			span.RecordError(err)
		}
		run := c.finish(ar)
		span.Finish(string(run.Status), run.Status == workflow.RunStatusFailed, run.StatusReason)
	}
}

// runDefinition walks def from its start step. item is the job key the
// iterator's ItemJobKey stands for; it is empty at the top level. A
// non-nil error means ctx was cancelled.
func (c *Coordinator) runDefinition(ctx context.Context, ar *activeRun, def *workflow.Definition, item string) error {
	var failedKey string
	name := def.StartAt
	for name != "" {
		if err := ctx.Err(); err != nil {
			return err
		}

		step, ok := def.Step(name)
		if !ok {
			return &errors.GraphIntegrityError{Reason: fmt.Sprintf("unknown step %q", name), Nodes: []string{name}}
		}

		switch s := step.(type) {
		case *workflow.TaskStep:
			key := s.JobKey
			if key == workflow.ItemJobKey {
				key = item
			}

			switch c.runTask(ctx, ar, s, key) {
			case taskAborted:
				return ctx.Err()
			case taskFailed:
				if s.Catch == "" {
					c.finishLogs(ar, key)
					return nil
				}
				failedKey = key
				name = s.Catch
				continue
			}

			c.finishLogs(ar, key)
			if s.End {
				return nil
			}
			name = s.Next

		case *workflow.FanOutStep:
			if err := c.runFanOut(ctx, ar, s); err != nil {
				return err
			}
			if s.End {
				return nil
			}
			name = s.Next

		case *workflow.FailStep:
			c.runFail(ctx, ar, s, failedKey)
			c.finishLogs(ar, failedKey)
			return ctx.Err()

		default:
			return &errors.GraphIntegrityError{Reason: fmt.Sprintf("unsupported step kind %q", step.Kind()), Nodes: []string{name}}
		}
	}
	return nil
}

// runFanOut runs the iterator once per item with at most MaxConcurrency
// branches in flight. A failing branch never affects its siblings.
func (c *Coordinator) runFanOut(ctx context.Context, ar *activeRun, step *workflow.FanOutStep) error {
	if len(step.Items) == 0 {
		return nil
	}

	limit := step.MaxConcurrency
	if limit <= 0 {
		limit = workflow.DefaultMaxConcurrency
	}
	sem := make(chan struct{}, limit)
	results := make(chan error, len(step.Items))

	for _, item := range step.Items {
		go func(item string) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- ctx.Err()
				return
			}
			defer func() { <-sem }()

			results <- c.runDefinition(ctx, ar, step.Iterator, item)
		}(item)
	}

	var aborted int
	for range step.Items {
		if err := <-results; err != nil {
			aborted++
		}
	}

	ar.logger.Debug("fan-out finished",
		slog.String(log.StepKey, step.Name),
		slog.Int("items", len(step.Items)),
		slog.Int("aborted", aborted))
	return ctx.Err()
}

// runTask executes a task step for the job identified by key and records
// the outcome on the job.
func (c *Coordinator) runTask(ctx context.Context, ar *activeRun, step *workflow.TaskStep, key string) taskOutcome {
	if key == "" {
		return c.runBookkeeping(ctx, ar, step)
	}

	job, ok := ar.job(key)
	if !ok {
		ar.logger.Error("task step references unknown job", slog.String(log.StepKey, step.Name), slog.String("job_key", key))
		return taskFailed
	}
	switch {
	case job.Status == workflow.JobStatusSucceeded:
		return taskSucceeded
	case job.Status == workflow.JobStatusFailed:
		// A business failure kept by a resume. Its fail branch may still
		// need to run.
		return taskFailed
	}

	plan, _ := ar.def.Job(key)
	logger := log.WithJobContext(ar.logger, job.ID, job.JobNumber, job.AppID)

	c.hub.Reopen(job.ID)
	started := c.now()
	job = c.transition(ar, key, func(j *workflow.WorkflowJob) {
		j.Status = workflow.JobStatusInProgress
		j.InitiatedAt = &started
		j.CompletedAt = nil
		j.StatusReason = ""
		j.FailureKind = workflow.FailureKindNone
	}, appStarted)

	jctx, span := tracing.StartJob(ctx, c.tracer, &job)
	logger.Info("job started", slog.String(log.StepKey, step.Name), slog.String("action", string(step.Action)))

	var (
		result *executor.Result
		err    error
	)
	task, err := c.newTask(ar, step.Name, step.Action, job.JobNumber, job.AppID, plan.Config)
	if err == nil {
		result, err = c.invoke(jctx, ar, task, c.sinkFor(job.ID), logger)
	}

	if err != nil && ctx.Err() != nil {
		logger.Info("job interrupted", log.Error(err))
		span.Finish("interrupted", false, "")
		return taskAborted
	}

	var (
		outcome = taskSucceeded
		status  = workflow.JobStatusSucceeded
		kind    = workflow.FailureKindNone
		reason  string
		outputs map[string]string
	)
	switch {
	case err != nil:
		outcome, status, reason = taskFailed, workflow.JobStatusFailed, err.Error()
		var ve *errors.ValidationError
		if errors.As(err, &ve) {
			kind = workflow.FailureKindBusiness
		} else {
			kind = workflow.FailureKindTransport
		}
	case !result.Succeeded:
		outcome, status, kind = taskFailed, workflow.JobStatusFailed, workflow.FailureKindBusiness
		reason = result.Message
		if reason == "" {
			reason = fmt.Sprintf("%s reported failure", step.Action)
		}
	default:
		outputs, err = c.outputs.ExtractOutputs(jctx, plan.Outputs, result.Document)
		if err != nil {
			outcome, status, kind = taskFailed, workflow.JobStatusFailed, workflow.FailureKindBusiness
			reason = fmt.Sprintf("extracting outputs: %s", err.Error())
			outputs = nil
		}
	}

	ev := appSucceeded
	if outcome == taskFailed {
		ev = appFailed
	}
	completed := c.now()
	job = c.transition(ar, key, func(j *workflow.WorkflowJob) {
		j.Status = status
		j.CompletedAt = &completed
		j.StatusReason = reason
		j.FailureKind = kind
		j.Outputs = outputs
	}, ev)

	span.Finish(string(status), outcome == taskFailed, reason)
	c.jobFinished(ar, &job)

	if outcome == taskFailed {
		logger.Warn("job failed",
			slog.String("failure_kind", string(kind)),
			slog.String("reason", reason))
	} else {
		logger.Info("job succeeded", slog.Duration("duration", completed.Sub(started)))
	}
	return outcome
}

// runBookkeeping executes a task step that updates no job.
func (c *Coordinator) runBookkeeping(ctx context.Context, ar *activeRun, step *workflow.TaskStep) taskOutcome {
	task, err := c.newTask(ar, step.Name, step.Action, 0, "", nil)
	if err == nil {
		sink := executor.LogSinkFunc(func(line string) {
			ar.logger.Debug("task output", slog.String(log.StepKey, step.Name), slog.String("line", line))
		})
		var result *executor.Result
		result, err = c.invoke(ctx, ar, task, sink, ar.logger)
		if err == nil && !result.Succeeded {
			err = &errors.StepExecutionError{
				RunID:  ar.header.ID,
				Step:   step.Name,
				Reason: result.Message,
			}
		}
	}

	switch {
	case err == nil:
		return taskSucceeded
	case ctx.Err() != nil:
		return taskAborted
	}

	ar.logger.Warn("bookkeeping step failed", slog.String(log.StepKey, step.Name), log.Error(err))
	ar.mu.Lock()
	ar.bookkeepingFailure = err.Error()
	ar.mu.Unlock()
	return taskFailed
}

// runFail runs the compensating step for the failed job. A failure of the
// compensation itself is logged; the job keeps its original failure.
func (c *Coordinator) runFail(ctx context.Context, ar *activeRun, step *workflow.FailStep, key string) {
	job, ok := ar.job(key)
	if !ok || job.Compensated {
		return
	}
	logger := log.WithJobContext(ar.logger, job.ID, job.JobNumber, job.AppID)
	plan, _ := ar.def.Job(key)

	task, err := c.newTask(ar, step.Name, step.Action, job.JobNumber, job.AppID, plan.Config)
	if err == nil {
		var result *executor.Result
		result, err = c.invoke(ctx, ar, task, c.sinkFor(job.ID), logger)
		if err == nil && !result.Succeeded {
			err = &errors.StepExecutionError{
				RunID:     ar.header.ID,
				JobID:     job.ID,
				JobNumber: job.JobNumber,
				Step:      step.Name,
				Reason:    result.Message,
			}
		}
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("compensating step failed", slog.String(log.StepKey, step.Name), log.Error(err))
		}
		return
	}

	c.transition(ar, key, func(j *workflow.WorkflowJob) {
		j.Compensated = true
	}, appNone)
	logger.Info("compensating step completed", slog.String(log.StepKey, step.Name))
}

func (c *Coordinator) finishLogs(ar *activeRun, key string) {
	if id, ok := ar.jobIDs[key]; ok {
		c.hub.Finish(id)
	}
}

func (c *Coordinator) sinkFor(jobID string) executor.LogSink {
	return executor.LogSinkFunc(func(line string) {
		c.hub.Append(jobID, line)
	})
}

func (c *Coordinator) newTask(ar *activeRun, stepName string, action workflow.Action, jobNumber int, appID string, cfg map[string]string) (*executor.Task, error) {
	args, err := renderArgs(ar.tmpl, ar.header, action, jobNumber, appID)
	if err != nil {
		return nil, err
	}
	return &executor.Task{
		ProjectID: ar.header.ProjectID,
		RunID:     ar.header.ID,
		JobID:     ar.header.ID,
		Step:      stepName,
		Action:    action,
		JobNumber: jobNumber,
		AppID:     appID,
		Args:      args,
		Config:    cfg,
	}, nil
}

// invoke executes task, retrying transport failures with exponential
// backoff until the retry budget is spent.
func (c *Coordinator) invoke(ctx context.Context, ar *activeRun, task *executor.Task, sink executor.LogSink, logger *slog.Logger) (*executor.Result, error) {
	action := string(task.Action)
	c.telemetry.TaskStarted(ctx, action)
	defer c.telemetry.TaskFinished(ctx, action)

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		task.Attempt = attempt
		result, err := c.executeOnce(ctx, task, sink)
		if err == nil {
			c.telemetry.RecordTaskAttempts(ctx, action, attempt)
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) || attempt >= c.cfg.Retry.MaxAttempts {
			c.telemetry.RecordTaskAttempts(ctx, action, attempt)
			return nil, transportFailure(task, attempt, err)
		}

		delay := httpclient.Backoff(attempt, c.cfg.Retry.InitialBackoff, c.cfg.Retry.MaxBackoff)
		metrics.RecordTransportRetry(action)
		logger.Warn("task transport failure, retrying",
			slog.String("action", action),
			slog.Int(log.AttemptKey, attempt),
			slog.Duration("backoff", delay),
			log.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) executeOnce(ctx context.Context, task *executor.Task, sink executor.LogSink) (*executor.Result, error) {
	tctx, span := tracing.StartTask(ctx, c.tracer, string(task.Action), task.Attempt)
	defer span.End()

	if c.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, c.cfg.TaskTimeout)
		defer cancel()
	}

	result, err := c.exec.Execute(tctx, task, sink)
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = &errors.TimeoutError{
				Operation: "execute " + string(task.Action),
				Duration:  c.cfg.TaskTimeout,
				Cause:     err,
			}
		}
		span.RecordError(err)
		return nil, err
	}
	if result == nil {
		err := fmt.Errorf("executor returned no result for %s", task.Key())
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// retryable treats unclassified executor errors as transient.
func retryable(err error) bool {
	var classified errors.ErrorClassifier
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}
	return true
}

func transportFailure(task *executor.Task, attempts int, err error) error {
	var te *errors.TransportError
	if errors.As(err, &te) {
		out := *te
		out.Attempts = attempts
		return &out
	}
	return &errors.TransportError{
		Operation: "execute " + string(task.Action),
		Attempts:  attempts,
		Cause:     err,
	}
}
