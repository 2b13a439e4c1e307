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

// Package events publishes workflow run lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// Type names an event. It is also the subject suffix.
type Type string

const (
	RunStarted  Type = "runs.started"
	RunFinished Type = "runs.finished"
	JobFinished Type = "jobs.finished"
)

// Event is the JSON payload published for every lifecycle transition.
type Event struct {
	Type         Type                  `json:"type"`
	Time         time.Time             `json:"time"`
	ProjectID    string                `json:"project_id"`
	RunID        string                `json:"run_id"`
	RunNumber    int                   `json:"run_number"`
	WorkflowType workflow.WorkflowType `json:"workflow_type"`
	AppID        string                `json:"app_id,omitempty"`
	JobID        string                `json:"job_id,omitempty"`
	JobNumber    int                   `json:"job_number,omitempty"`
	Status       string                `json:"status"`
	FailureKind  workflow.FailureKind  `json:"failure_kind,omitempty"`
	Reason       string                `json:"reason,omitempty"`
}

// ForRun builds a run-level event.
func ForRun(t Type, run *workflow.WorkflowRun, now time.Time) Event {
	return Event{
		Type:         t,
		Time:         now,
		ProjectID:    run.ProjectID,
		RunID:        run.ID,
		RunNumber:    run.RunNumber,
		WorkflowType: run.WorkflowType,
		AppID:        run.AppID,
		Status:       string(run.Status),
		Reason:       run.StatusReason,
	}
}

// ForJob builds a job-level event.
func ForJob(run *workflow.WorkflowRun, job *workflow.WorkflowJob, now time.Time) Event {
	return Event{
		Type:         JobFinished,
		Time:         now,
		ProjectID:    run.ProjectID,
		RunID:        run.ID,
		RunNumber:    run.RunNumber,
		WorkflowType: run.WorkflowType,
		AppID:        job.AppID,
		JobID:        job.ID,
		JobNumber:    job.JobNumber,
		Status:       string(job.Status),
		FailureKind:  job.FailureKind,
		Reason:       job.StatusReason,
	}
}

// Publisher delivers lifecycle events. Delivery is best effort; callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Subject returns the subject an event type is published on.
func Subject(prefix string, t Type) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

// NATSPublisher publishes events on a core NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials the NATS server at url.
func Connect(url, prefix string, opts ...nats.Option) (*NATSPublisher, error) {
	opts = append([]nats.Option{nats.Name("rolloutd")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	return &NATSPublisher{conn: nc, prefix: prefix}, nil
}

// Publish encodes ev as JSON and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}

	msg := nats.NewMsg(Subject(p.prefix, ev.Type))
	msg.Data = data
	msg.Header.Set("Rollout-Run-Id", ev.RunID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publishing %s", ev.Type)
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records ev.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Close is a no-op.
func (r *Recorder) Close() {}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)
