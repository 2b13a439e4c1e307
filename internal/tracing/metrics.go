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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics records run and job durations as OpenTelemetry instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runDuration  metric.Float64Histogram
	jobDuration  metric.Float64Histogram
	taskAttempts metric.Int64Histogram
	tasksRunning metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on the given meter provider.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("rollout")
	m := &Metrics{}

	var err error
	m.runDuration, err = meter.Float64Histogram(
		"rollout_run_duration_seconds",
		metric.WithDescription("Workflow run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.jobDuration, err = meter.Float64Histogram(
		"rollout_job_duration_seconds",
		metric.WithDescription("Workflow job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.taskAttempts, err = meter.Int64Histogram(
		"rollout_task_attempts",
		metric.WithDescription("Executor attempts needed per task"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 8),
	)
	if err != nil {
		return nil, err
	}

	m.tasksRunning, err = meter.Int64UpDownCounter(
		"rollout_tasks_running",
		metric.WithDescription("Tasks currently held by the executor"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns a recorder that discards every measurement.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// RecordRunComplete records the duration of a terminal run.
func (m *Metrics) RecordRunComplete(ctx context.Context, workflowType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("workflow_type", workflowType),
		attribute.String("status", status),
	))
}

// RecordJobComplete records the duration of a terminal job.
func (m *Metrics) RecordJobComplete(ctx context.Context, jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("status", status),
	))
}

// RecordTaskAttempts records how many executor calls a task needed.
func (m *Metrics) RecordTaskAttempts(ctx context.Context, action string, attempts int) {
	if m == nil {
		return
	}
	m.taskAttempts.Record(ctx, int64(attempts), metric.WithAttributes(attribute.String("action", action)))
}

// TaskStarted increments the running task count.
func (m *Metrics) TaskStarted(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.tasksRunning.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// TaskFinished decrements the running task count.
func (m *Metrics) TaskFinished(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.tasksRunning.Add(ctx, -1, metric.WithAttributes(attribute.String("action", action)))
}
