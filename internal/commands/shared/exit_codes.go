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

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/tombee/rollout/pkg/errors"
)

// Exit codes for rollout commands
const (
	ExitSuccess     = 0
	ExitFailed      = 1 // Run failed or unclassified error
	ExitInvalid     = 2 // Invalid arguments or request
	ExitNotFound    = 3 // Project, run or job not found
	ExitUnavailable = 4 // Server unreachable or timed out
	ExitAuth        = 5 // Missing or rejected credentials
	ExitCancelled   = 6 // Run was cancelled
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewRunFailedError creates an error for a run that ended unsuccessfully
func NewRunFailedError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewCancelledError creates an error for a run that was cancelled
func NewCancelledError(msg string) *ExitError {
	return &ExitError{
		Code:    ExitCancelled,
		Message: msg,
	}
}

// NewInvalidError creates an error for bad command-line input
func NewInvalidError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalid,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCodeFor returns the exit code for err. ExitErrors keep their own code;
// classified errors map by type.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch pkgerrors.TypeOf(err) {
	case "validation", "config", "graph_integrity":
		return ExitInvalid
	case "not_found":
		return ExitNotFound
	case "transport", "timeout":
		return ExitUnavailable
	case "auth":
		return ExitAuth
	}

	var streamErr *pkgerrors.StreamError
	if errors.As(err, &streamErr) {
		switch streamErr.StatusCode {
		case 401, 403:
			return ExitAuth
		case 404:
			return ExitNotFound
		}
		return ExitInvalid
	}

	return ExitFailed
}

// HandleExitError prints err and exits with the code ExitCodeFor assigns.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	code := ExitCodeFor(err)

	if GetJSON() {
		_ = EmitJSONErrorTo(os.Stdout, commandName, err)
		os.Exit(code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	if s := suggestionFor(err); s != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", s)
	}

	os.Exit(code)
}

// commandName is reported in JSON error envelopes.
var commandName = "rollout"

// SetCommandName records the running command for JSON error output.
func SetCommandName(name string) {
	commandName = name
}

// suggestionFor returns a hint for the user, if the error carries one.
func suggestionFor(err error) string {
	var ve *pkgerrors.ValidationError
	if errors.As(err, &ve) && ve.Suggestion != "" {
		return ve.Suggestion
	}

	switch ExitCodeFor(err) {
	case ExitAuth:
		return "Run 'rollout login' or pass --token"
	case ExitUnavailable:
		return "Check that rolloutd is running and --server points at it"
	}
	return ""
}
