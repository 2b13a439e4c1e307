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

package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tombee/rollout/pkg/workflow"
)

func testRun() *workflow.WorkflowRun {
	return &workflow.WorkflowRun{
		ID:           "run-1",
		ProjectID:    "shop",
		RunNumber:    4,
		WorkflowType: workflow.WorkflowTypeDestroy,
		Status:       workflow.RunStatusFailed,
		StatusReason: "1 app job failed",
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix string
		typ    Type
		want   string
	}{
		{"rollout", RunStarted, "rollout.runs.started"},
		{"acme.prod", JobFinished, "acme.prod.jobs.finished"},
		{"", RunFinished, "runs.finished"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.typ); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.prefix, tt.typ, got, tt.want)
		}
	}
}

func TestForJob(t *testing.T) {
	run := testRun()
	job := &workflow.WorkflowJob{
		ID:           "job-2",
		JobNumber:    2,
		AppID:        "api",
		Status:       workflow.JobStatusFailed,
		FailureKind:  workflow.FailureKindTransport,
		StatusReason: "connection refused",
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := ForJob(run, job, now)
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "jobs.finished" || decoded["failure_kind"] != "transport" || decoded["app_id"] != "api" {
		t.Errorf("unexpected payload: %s", data)
	}
	if decoded["workflow_type"] != "destroy" || decoded["run_number"] != float64(4) {
		t.Errorf("unexpected run fields: %s", data)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	now := time.Now()

	_ = r.Publish(ctx, ForRun(RunStarted, testRun(), now))
	_ = r.Publish(ctx, ForRun(RunFinished, testRun(), now))

	if got := len(r.Events()); got != 2 {
		t.Fatalf("len(Events) = %d, want 2", got)
	}
	finished := r.OfType(RunFinished)
	if len(finished) != 1 || finished[0].Reason != "1 app job failed" {
		t.Errorf("unexpected finished events: %+v", finished)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "rollout", nats.Timeout(100*time.Millisecond))
	if err == nil {
		t.Fatal("expected connect error")
	}
}

// TestNATSPublisher_RoundTrip needs a running server, e.g.
// ROLLOUT_TEST_NATS_URL=nats://127.0.0.1:4222.
func TestNATSPublisher_RoundTrip(t *testing.T) {
	url := os.Getenv("ROLLOUT_TEST_NATS_URL")
	if url == "" {
		t.Skip("ROLLOUT_TEST_NATS_URL not set")
	}

	pub, err := Connect(url, "rollout-test")
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("rollout-test.runs.>")
	if err != nil {
		t.Fatal(err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, ForRun(RunStarted, testRun(), time.Now())); err != nil {
		t.Fatal(err)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Subject != "rollout-test.runs.started" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Header.Get("Rollout-Run-Id") != "run-1" {
		t.Errorf("missing run id header")
	}
}
