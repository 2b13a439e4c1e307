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

// Package executor defines the boundary between the coordinator and the task
// runtime that actually deploys and destroys resources.
//
// The coordinator first hands the whole run to Accept, then calls Execute
// once per task step. The two failure modes are kept apart:
//
//   - Execute returns an error: the executor could not be reached or lost
//     track of the task. The coordinator retries and eventually records a
//     transport failure, which a resume will re-drive.
//   - Execute returns a Result with Succeeded=false: the task ran and failed.
//     The coordinator routes to the compensating step and never retries.
package executor

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/tombee/rollout/pkg/workflow"
)

// Executor runs tasks on behalf of the coordinator.
type Executor interface {
	// Accept registers a run with the executor before any task is executed.
	// A returned error rejects the run; nothing is persisted.
	Accept(ctx context.Context, sub *Submission) error

	// Execute runs one task and blocks until it finishes or ctx is done.
	// Log lines are delivered to sink as they are produced.
	Execute(ctx context.Context, task *Task, sink LogSink) (*Result, error)
}

// Submission describes a run as handed to Accept.
type Submission struct {
	ProjectID    string                `json:"project_id"`
	RunID        string                `json:"run_id"`
	WorkflowType workflow.WorkflowType `json:"workflow_type"`

	// JobID identifies the execution at the executor. Every task of the run
	// carries it.
	JobID string `json:"job_id"`

	JobNumbers JobNumbers `json:"job_numbers"`
	Commands   []Command  `json:"commands"`
}

// JobNumbers lists the job numbers of a run in submission order.
type JobNumbers struct {
	Common int   `json:"common"`
	Apps   []int `json:"apps"`
}

// Command is a rendered invocation for one job. Bookkeeping steps that
// update no job use JobNumber 0.
type Command struct {
	JobNumber int             `json:"job_number"`
	Action    workflow.Action `json:"action"`
	Args      []string        `json:"args"`
}

// Task is one invocation of a task step.
type Task struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	JobID     string `json:"job_id"`

	// Step is the name of the definition step that issued the task.
	Step string `json:"step"`

	Action    workflow.Action   `json:"action"`
	JobNumber int               `json:"job_number"`
	AppID     string            `json:"app_id,omitempty"`
	Args      []string          `json:"args"`
	Config    map[string]string `json:"config,omitempty"`

	// Attempt counts transport retries, starting at 1.
	Attempt int `json:"attempt"`
}

// Key identifies the task independently of the attempt. Executors use it
// to deduplicate retried submissions.
func (t *Task) Key() string {
	return t.JobID + "/" + string(t.Action) + "/" + strconv.Itoa(t.JobNumber)
}

// Result is the outcome of a task the executor ran to completion.
type Result struct {
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message,omitempty"`

	// Document is the task's JSON result. Job outputs are extracted from it.
	Document json.RawMessage `json:"document,omitempty"`
}

// LogSink receives task output line by line.
type LogSink interface {
	WriteLine(line string)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(line string)

// WriteLine calls f(line).
func (f LogSinkFunc) WriteLine(line string) { f(line) }

// Discard is a LogSink that drops every line.
var Discard LogSink = LogSinkFunc(func(string) {})
