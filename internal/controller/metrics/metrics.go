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

// Package metrics exposes the Prometheus counters and gauges of rolloutd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_runs_started_total",
			Help: "Workflow runs accepted by the task executor",
		},
		[]string{"workflow_type"},
	)

	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_runs_finished_total",
			Help: "Workflow runs that reached a terminal status",
		},
		[]string{"workflow_type", "status"},
	)

	runsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollout_runs_active",
			Help: "Workflow runs currently being driven",
		},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_jobs_finished_total",
			Help: "Workflow jobs that reached a terminal status",
		},
		[]string{"job_type", "status", "failure_kind"},
	)

	submissionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rollout_submissions_rejected_total",
			Help: "Workflow definitions refused by the task executor",
		},
	)

	transportRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_transport_retries_total",
			Help: "Task executions retried after a transport error",
		},
		[]string{"action"},
	)

	logSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollout_log_subscribers",
			Help: "Open job log subscriptions",
		},
	)

	logSubscribersLagged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rollout_log_subscribers_lagged_total",
			Help: "Log subscriptions dropped because the reader fell behind",
		},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_persistence_errors_total",
			Help: "Backend writes that failed",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordRunStarted counts a run and marks it active.
func RecordRunStarted(workflowType string) {
	runsStarted.WithLabelValues(workflowType).Inc()
	runsActive.Inc()
}

// RecordRunResumed marks a redriven run active again.
func RecordRunResumed() {
	runsActive.Inc()
}

// RecordRunFinished counts a terminal run and clears it from the active gauge.
func RecordRunFinished(workflowType, status string) {
	runsFinished.WithLabelValues(workflowType, status).Inc()
	runsActive.Dec()
}

// RecordJobFinished counts a terminal job.
// failureKind is empty for jobs that did not fail.
func RecordJobFinished(jobType, status, failureKind string) {
	jobsFinished.WithLabelValues(jobType, status, failureKind).Inc()
}

// RecordSubmissionRejected counts a definition refused by the executor.
func RecordSubmissionRejected() {
	submissionsRejected.Inc()
}

// RecordTransportRetry counts one retried task execution.
func RecordTransportRetry(action string) {
	transportRetries.WithLabelValues(action).Inc()
}

// LogSubscriberAdded tracks an opened log subscription.
func LogSubscriberAdded() {
	logSubscribers.Inc()
}

// LogSubscriberRemoved tracks a closed log subscription.
func LogSubscriberRemoved(lagged bool) {
	logSubscribers.Dec()
	if lagged {
		logSubscribersLagged.Inc()
	}
}

// RecordPersistenceError increments the persistence error counter.
// operation names the backend call (CreateRun, UpdateRun, UpdateJob, PutDeployment).
// errorType is derived from the error (e.g., "not_found", "conflict", "unknown").
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}
