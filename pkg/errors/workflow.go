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

package errors

import (
	"fmt"
	"strings"
)

// SubmissionError means the task executor refused a workflow before any run
// state was created. It is fatal and surfaced to the caller of Start.
type SubmissionError struct {
	// ProjectID is the project the run was requested for.
	ProjectID string

	// RunID is the identifier the run would have had.
	RunID string

	// Reason explains why the executor rejected the submission.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("workflow submission rejected for project %s: %s", e.ProjectID, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SubmissionError) Unwrap() error { return e.Cause }

func (e *SubmissionError) ErrorType() string { return "submission" }
func (e *SubmissionError) IsRetryable() bool { return false }

// StepExecutionError is a business-logic failure reported by the task
// executor for one job. It is recorded on the job and routed to the step's
// fail branch; it never crosses the coordinator boundary.
type StepExecutionError struct {
	RunID     string
	JobID     string
	JobNumber int
	Step      string
	Reason    string
}

// Error implements the error interface.
func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q (job %d) failed: %s", e.Step, e.JobNumber, e.Reason)
}

func (e *StepExecutionError) ErrorType() string { return "step_execution" }
func (e *StepExecutionError) IsRetryable() bool { return false }

// TransportError is a network or infrastructure failure talking to the task
// executor or the log stream. Callers retry it until their budget runs out;
// Attempts records how many tries were made when it is finally surfaced.
type TransportError struct {
	// Operation is what was being attempted (e.g., "execute deploy", "open log stream").
	Operation string

	// StatusCode is the HTTP status code, when the failure came from a response.
	StatusCode int

	// Attempts is the number of attempts made before surfacing the error.
	Attempts int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport error during %s", e.Operation)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error { return e.Cause }

func (e *TransportError) ErrorType() string { return "transport" }
func (e *TransportError) IsRetryable() bool { return true }

// GraphIntegrityError reports a dependency that references an unknown job or
// a cyclic job set. The definition builder rejects these before a run exists.
type GraphIntegrityError struct {
	// Reason describes the integrity violation.
	Reason string

	// Nodes lists the offending step names or job keys.
	Nodes []string
}

// Error implements the error interface.
func (e *GraphIntegrityError) Error() string {
	if len(e.Nodes) == 0 {
		return fmt.Sprintf("graph integrity: %s", e.Reason)
	}
	return fmt.Sprintf("graph integrity: %s (%s)", e.Reason, strings.Join(e.Nodes, ", "))
}

func (e *GraphIntegrityError) ErrorType() string { return "graph_integrity" }
func (e *GraphIntegrityError) IsRetryable() bool { return false }

// StreamError is a definitive client error returned when opening a log
// stream (4xx other than 429). It is never retried.
type StreamError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("log stream rejected [HTTP %d]", e.StatusCode)
	}
	return fmt.Sprintf("log stream rejected [HTTP %d]: %s", e.StatusCode, e.Message)
}

func (e *StreamError) ErrorType() string { return "stream" }
func (e *StreamError) IsRetryable() bool { return false }
