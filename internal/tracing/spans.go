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

package tracing

import (
	"context"
	"fmt"

	"github.com/tombee/rollout/pkg/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrProjectID    = "rollout.project_id"
	AttrRunID        = "rollout.run_id"
	AttrRunNumber    = "rollout.run_number"
	AttrWorkflowType = "rollout.workflow_type"
	AttrJobID        = "rollout.job_id"
	AttrJobNumber    = "rollout.job_number"
	AttrJobType      = "rollout.job_type"
	AttrAppID        = "rollout.app_id"
	AttrAction       = "rollout.action"
	AttrAttempt      = "rollout.attempt"
	AttrStatus       = "rollout.status"
)

// Span wraps an OpenTelemetry span with workflow-specific helpers.
// A nil *Span is valid and records nothing.
type Span struct {
	span trace.Span
}

// StartRun creates the root span for driving a workflow run.
func StartRun(ctx context.Context, tracer trace.Tracer, run *workflow.WorkflowRun) (context.Context, *Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrProjectID, run.ProjectID),
		attribute.String(AttrRunID, run.ID),
		attribute.Int(AttrRunNumber, run.RunNumber),
		attribute.String(AttrWorkflowType, string(run.WorkflowType)),
	}
	if run.AppID != "" {
		attrs = append(attrs, attribute.String(AttrAppID, run.AppID))
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("run %s #%d", run.WorkflowType, run.RunNumber),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, &Span{span: span}
}

// StartJob creates a span for one job of a run.
func StartJob(ctx context.Context, tracer trace.Tracer, job *workflow.WorkflowJob) (context.Context, *Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrJobID, job.ID),
		attribute.Int(AttrJobNumber, job.JobNumber),
		attribute.String(AttrJobType, string(job.Type)),
	}
	if job.AppID != "" {
		attrs = append(attrs, attribute.String(AttrAppID, job.AppID))
	}

	ctx, span := tracer.Start(ctx, "job: "+job.Title,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, &Span{span: span}
}

// StartTask creates a client span for one executor call.
func StartTask(ctx context.Context, tracer trace.Tracer, action string, attempt int) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "task: "+action,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrAction, action),
			attribute.Int(AttrAttempt, attempt),
		),
	)
	return ctx, &Span{span: span}
}

// AddEvent records a timestamped event within the span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error and marks the span failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// Finish sets the outcome attribute and ends the span. A failed outcome
// without a recorded error sets an error status with reason.
func (s *Span) Finish(status string, failed bool, reason string) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String(AttrStatus, status))
	if failed {
		s.span.SetStatus(codes.Error, reason)
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// End ends the span without changing its status.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

// TraceID returns the trace ID as a string.
func (s *Span) TraceID() string {
	if s == nil || s.span == nil {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}
