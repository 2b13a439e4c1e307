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

	pkgerrors "github.com/tombee/rollout/pkg/errors"
)

// Error codes for structured JSON output
const (
	// Request errors (E001-E099)
	ErrorCodeInvalidRequest = "E001" // Invalid flags, selection or body
	ErrorCodeInvalidConfig  = "E002" // Invalid settings
	ErrorCodeInvalidGraph   = "E003" // Run graph failed integrity checks

	// Lookup errors (E100-E199)
	ErrorCodeNotFound = "E101" // Project, run or job not found
	ErrorCodeConflict = "E102" // Run already active for the scope

	// Connectivity errors (E200-E299)
	ErrorCodeUnavailable = "E201" // Server unreachable
	ErrorCodeTimeout     = "E202" // Request or stream timed out
	ErrorCodeAuth        = "E203" // Missing or rejected credentials

	// Run errors (E300-E399)
	ErrorCodeRunFailed    = "E301" // Run ended unsuccessfully
	ErrorCodeRunCancelled = "E302" // Run was cancelled

	ErrorCodeInternal = "E401" // Unclassified error
)

// errorCodeFor maps an error to its JSON error code.
func errorCodeFor(err error) string {
	switch pkgerrors.TypeOf(err) {
	case "validation":
		return ErrorCodeInvalidRequest
	case "config":
		return ErrorCodeInvalidConfig
	case "graph_integrity":
		return ErrorCodeInvalidGraph
	case "not_found":
		return ErrorCodeNotFound
	case "conflict":
		return ErrorCodeConflict
	case "transport":
		return ErrorCodeUnavailable
	case "timeout":
		return ErrorCodeTimeout
	case "auth":
		return ErrorCodeAuth
	}

	switch ExitCodeFor(err) {
	case ExitInvalid:
		return ErrorCodeInvalidRequest
	case ExitNotFound:
		return ErrorCodeNotFound
	case ExitAuth:
		return ErrorCodeAuth
	case ExitCancelled:
		return ErrorCodeRunCancelled
	case ExitFailed:
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return ErrorCodeRunFailed
		}
	}
	return ErrorCodeInternal
}
