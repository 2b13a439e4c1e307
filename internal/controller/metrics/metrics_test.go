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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPersistenceError(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		errorType string
	}{
		{
			name:      "UpdateRun error",
			operation: "UpdateRun",
			errorType: "unknown",
		},
		{
			name:      "UpdateJob not found",
			operation: "UpdateJob",
			errorType: "not_found",
		},
		{
			name:      "CreateRun conflict",
			operation: "CreateRun",
			errorType: "conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := prometheus.Labels{
				"operation":  tt.operation,
				"error_type": tt.errorType,
			}
			initialCount := testutil.ToFloat64(persistenceErrors.With(labels))

			RecordPersistenceError(tt.operation, tt.errorType)

			newCount := testutil.ToFloat64(persistenceErrors.With(labels))
			if newCount != initialCount+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initialCount, newCount)
			}
		})
	}
}

func TestRunLifecycleMetrics(t *testing.T) {
	startedBefore := testutil.ToFloat64(runsStarted.WithLabelValues("deploy"))
	finishedBefore := testutil.ToFloat64(runsFinished.WithLabelValues("deploy", "Succeeded"))
	activeBefore := testutil.ToFloat64(runsActive)

	RecordRunStarted("deploy")
	if got := testutil.ToFloat64(runsActive); got != activeBefore+1 {
		t.Errorf("active runs = %f, want %f", got, activeBefore+1)
	}

	RecordRunFinished("deploy", "Succeeded")

	if got := testutil.ToFloat64(runsStarted.WithLabelValues("deploy")); got != startedBefore+1 {
		t.Errorf("runs started = %f, want %f", got, startedBefore+1)
	}
	if got := testutil.ToFloat64(runsFinished.WithLabelValues("deploy", "Succeeded")); got != finishedBefore+1 {
		t.Errorf("runs finished = %f, want %f", got, finishedBefore+1)
	}
	if got := testutil.ToFloat64(runsActive); got != activeBefore {
		t.Errorf("active runs = %f, want %f", got, activeBefore)
	}
}

func TestRecordJobFinished(t *testing.T) {
	before := testutil.ToFloat64(jobsFinished.WithLabelValues("app", "Failed", "transport"))

	RecordJobFinished("app", "Failed", "transport")
	RecordJobFinished("app", "Failed", "transport")

	if got := testutil.ToFloat64(jobsFinished.WithLabelValues("app", "Failed", "transport")); got != before+2 {
		t.Errorf("jobs finished = %f, want %f", got, before+2)
	}
}

func TestRecordTransportRetry(t *testing.T) {
	before := testutil.ToFloat64(transportRetries.WithLabelValues("deploy"))
	rejectedBefore := testutil.ToFloat64(submissionsRejected)

	for i := 0; i < 3; i++ {
		RecordTransportRetry("deploy")
	}
	RecordSubmissionRejected()

	if got := testutil.ToFloat64(transportRetries.WithLabelValues("deploy")); got != before+3 {
		t.Errorf("retries = %f, want %f", got, before+3)
	}
	if got := testutil.ToFloat64(submissionsRejected); got != rejectedBefore+1 {
		t.Errorf("rejections = %f, want %f", got, rejectedBefore+1)
	}
}

func TestLogSubscriberGauge(t *testing.T) {
	before := testutil.ToFloat64(logSubscribers)
	laggedBefore := testutil.ToFloat64(logSubscribersLagged)

	LogSubscriberAdded()
	LogSubscriberAdded()
	LogSubscriberRemoved(false)
	LogSubscriberRemoved(true)

	if got := testutil.ToFloat64(logSubscribers); got != before {
		t.Errorf("subscribers = %f, want %f", got, before)
	}
	if got := testutil.ToFloat64(logSubscribersLagged); got != laggedBefore+1 {
		t.Errorf("lagged = %f, want %f", got, laggedBefore+1)
	}
}
