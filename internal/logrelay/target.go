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

// Package logrelay follows the live log stream of one job.
//
// A subscription reconnects after a fixed back-off on any retryable failure
// until the server sends done, rejects the stream outright, or the caller
// cancels. Lines may repeat across reconnects, so listeners must tolerate
// duplicates.
package logrelay

import (
	"fmt"
	"net/url"
	"time"

	"github.com/tombee/rollout/pkg/workflow"
)

// Target identifies a job's log stream.
type Target struct {
	ProjectID    string
	WorkflowType workflow.WorkflowType

	// AppID selects the run number sequence of single-app runs.
	AppID string

	RunNumber int
	JobNumber int
}

// Path returns the API path of the stream.
func (t Target) Path() string {
	p := fmt.Sprintf("/v1/projects/%s/logs/%s/%d/%d",
		url.PathEscape(t.ProjectID), t.WorkflowType, t.RunNumber, t.JobNumber)
	if t.AppID != "" {
		p += "?app=" + url.QueryEscape(t.AppID)
	}
	return p
}

// Line is one log line of a job.
type Line struct {
	Seq  int       `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Listener receives lines in the order they arrive on a connection.
type Listener func(Line)

// Outcome is how a subscription ended.
type Outcome string

const (
	// OutcomeDone means the job finished and the server closed the stream.
	OutcomeDone Outcome = "done"

	// OutcomeCancelled means the caller cancelled the subscription.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeFailed means the subscription ended with an error.
	OutcomeFailed Outcome = "failed"
)

// EventKind discriminates Event.
type EventKind int

const (
	// EventDelivered carries a log line.
	EventDelivered EventKind = iota

	// EventDone is the terminal event of a job.
	EventDone

	// EventRetryable ends a connection attempt that will be retried.
	EventRetryable

	// EventFatal ends the subscription with a non-retryable error.
	EventFatal

	// EventCancelled ends the subscription on caller request.
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventDelivered:
		return "delivered"
	case EventDone:
		return "done"
	case EventRetryable:
		return "retryable"
	case EventFatal:
		return "fatal"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one step of a subscription.
type Event struct {
	Kind EventKind

	// Line is set for EventDelivered.
	Line Line

	// Status is the job status reported with EventDone.
	Status workflow.JobStatus

	// Err is set for EventRetryable and EventFatal.
	Err error

	// Attempt is the 1-based connection attempt the event belongs to.
	Attempt int

	// RetryIn is the delay before the next attempt, for EventRetryable.
	RetryIn time.Duration
}
