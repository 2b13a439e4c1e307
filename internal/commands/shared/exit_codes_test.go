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
	"testing"

	"github.com/tombee/rollout/internal/client"
	pkgerrors "github.com/tombee/rollout/pkg/errors"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantJSON string
	}{
		{"nil", nil, ExitSuccess, ""},
		{"exit error keeps code", NewCancelledError("run #3 was cancelled"), ExitCancelled, ErrorCodeRunCancelled},
		{"run failed", NewRunFailedError("run #3 failed", nil), ExitFailed, ErrorCodeRunFailed},
		{"wrapped exit error", fmt.Errorf("deploy: %w", NewInvalidError("bad flag", nil)), ExitInvalid, ErrorCodeInvalidRequest},
		{"validation", &pkgerrors.ValidationError{Field: "apps", Message: "no app matches"}, ExitInvalid, ErrorCodeInvalidRequest},
		{"not found", &pkgerrors.NotFoundError{Resource: "run", ID: "x"}, ExitNotFound, ErrorCodeNotFound},
		{"transport", &pkgerrors.TransportError{Operation: "GET /v1/health", Cause: errors.New("refused")}, ExitUnavailable, ErrorCodeUnavailable},
		{"api unauthorized", &client.APIError{StatusCode: 401, Message: "missing token"}, ExitAuth, ErrorCodeAuth},
		{"api conflict", &client.APIError{StatusCode: 409, Type: "conflict"}, ExitFailed, ErrorCodeConflict},
		{"stream forbidden", &pkgerrors.StreamError{StatusCode: 403, Message: "insufficient scope"}, ExitAuth, ErrorCodeAuth},
		{"stream not found", &pkgerrors.StreamError{StatusCode: 404, Message: "job not found"}, ExitNotFound, ErrorCodeNotFound},
		{"plain error", errors.New("boom"), ExitFailed, ErrorCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.wantCode {
				t.Errorf("ExitCodeFor() = %d, want %d", got, tt.wantCode)
			}
			if tt.err == nil {
				return
			}
			if got := errorCodeFor(tt.err); got != tt.wantJSON {
				t.Errorf("errorCodeFor() = %q, want %q", got, tt.wantJSON)
			}
		})
	}
}

func TestSuggestionFor(t *testing.T) {
	ve := &pkgerrors.ValidationError{Field: "server", Message: "invalid", Suggestion: "use a URL such as http://127.0.0.1:8420"}
	if got := suggestionFor(fmt.Errorf("wrap: %w", ve)); got != ve.Suggestion {
		t.Errorf("suggestion = %q", got)
	}

	if got := suggestionFor(&client.APIError{StatusCode: 401}); got == "" {
		t.Error("expected a login suggestion for auth errors")
	}

	if got := suggestionFor(errors.New("boom")); got != "" {
		t.Errorf("expected no suggestion, got %q", got)
	}
}

func TestExitError_Unwrap(t *testing.T) {
	cause := errors.New("stream closed")
	err := NewRunFailedError("run failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if err.Error() != "run failed: stream closed" {
		t.Errorf("Error() = %q", err.Error())
	}
}
