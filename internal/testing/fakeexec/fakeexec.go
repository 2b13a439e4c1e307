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

// Package fakeexec provides a scriptable in-memory task executor for tests.
package fakeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tombee/rollout/internal/executor"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// Behavior scripts how a task responds. The zero value succeeds.
type Behavior struct {
	// Fail reports a business failure with Message.
	Fail    bool
	Message string

	// TransportErrors fails this many invocations with a transport error
	// before the behavior applies.
	TransportErrors int

	// Document is returned as the result document.
	Document string

	// Logs are written to the sink before the task finishes.
	Logs []string

	// Block holds the task until the channel is closed or ctx is done.
	Block <-chan struct{}
}

// Executor is a fake executor.Executor. It is safe for concurrent use.
type Executor struct {
	mu          sync.Mutex
	acceptErr   error
	byJob       map[string]*Behavior
	byApp       map[string]*Behavior
	submissions []executor.Submission
	calls       []executor.Task
	inFlight    int
	maxInFlight int
}

var _ executor.Executor = (*Executor)(nil)

// New returns an executor on which every task succeeds.
func New() *Executor {
	return &Executor{
		byJob: make(map[string]*Behavior),
		byApp: make(map[string]*Behavior),
	}
}

// RejectWith makes Accept fail with err.
func (f *Executor) RejectWith(err error) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptErr = err
	return f
}

// On scripts the task for action and job number.
func (f *Executor) On(action workflow.Action, jobNumber int, b Behavior) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byJob[jobKey(action, jobNumber)] = &b
	return f
}

// OnApp scripts the deploy or destroy task of an app.
func (f *Executor) OnApp(appID string, b Behavior) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byApp[appID] = &b
	return f
}

// Accept records the submission.
func (f *Executor) Accept(ctx context.Context, sub *executor.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.submissions = append(f.submissions, *sub)
	return nil
}

// Execute runs the scripted behavior for task.
func (f *Executor) Execute(ctx context.Context, task *executor.Task, sink executor.LogSink) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *task)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	b := f.behavior(task)
	var transportErr bool
	if b != nil && b.TransportErrors > 0 {
		b.TransportErrors--
		transportErr = true
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if transportErr {
		return nil, &errors.TransportError{
			Operation: fmt.Sprintf("execute %s job %d", task.Action, task.JobNumber),
			Cause:     errors.New("connection reset by peer"),
		}
	}
	if b == nil {
		return &executor.Result{Succeeded: true}, nil
	}

	for _, line := range b.Logs {
		sink.WriteLine(line)
	}
	if b.Block != nil {
		select {
		case <-b.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := &executor.Result{Succeeded: !b.Fail, Message: b.Message}
	if b.Document != "" {
		result.Document = json.RawMessage(b.Document)
	}
	return result, nil
}

// behavior must be called with f.mu held.
func (f *Executor) behavior(task *executor.Task) *Behavior {
	if b, ok := f.byJob[jobKey(task.Action, task.JobNumber)]; ok {
		return b
	}
	if task.AppID != "" && (task.Action == workflow.ActionDeploy || task.Action == workflow.ActionDestroy) {
		if b, ok := f.byApp[task.AppID]; ok {
			return b
		}
	}
	return nil
}

// Submissions returns the accepted submissions.
func (f *Executor) Submissions() []executor.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Submission(nil), f.submissions...)
}

// Calls returns every Execute call in order, including retried attempts.
func (f *Executor) Calls() []executor.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Task(nil), f.calls...)
}

// CallsFor returns the calls with the given action.
func (f *Executor) CallsFor(action workflow.Action) []executor.Task {
	var out []executor.Task
	for _, c := range f.Calls() {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// MaxInFlight returns the highest number of concurrent Execute calls seen.
func (f *Executor) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Reset forgets recorded calls and submissions but keeps the script.
func (f *Executor) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.submissions = nil
	f.maxInFlight = 0
}

func jobKey(action workflow.Action, jobNumber int) string {
	return fmt.Sprintf("%s/%d", action, jobNumber)
}
