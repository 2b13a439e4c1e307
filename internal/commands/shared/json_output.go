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
	"encoding/json"
	"io"

	pkgerrors "github.com/tombee/rollout/pkg/errors"
)

// JSONVersion is the schema version of every JSON envelope the CLI writes.
const JSONVersion = "1.0"

// JSONResponse is the envelope shared by JSON command output.
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// NewJSONResponse returns a successful envelope for command.
func NewJSONResponse(command string) JSONResponse {
	return JSONResponse{Version: JSONVersion, Command: command, Success: true}
}

// JSONError describes a failed command in JSON output.
type JSONError struct {
	Code       string `json:"code"`
	Type       string `json:"type,omitempty"`
	Message    string `json:"message"`
	ExitCode   int    `json:"exit_code"`
	Suggestion string `json:"suggestion,omitempty"`
}

// NewJSONError classifies err for JSON output.
func NewJSONError(err error) JSONError {
	typ := pkgerrors.TypeOf(err)
	if typ == "unknown" {
		typ = ""
	}
	return JSONError{
		Code:       errorCodeFor(err),
		Type:       typ,
		Message:    err.Error(),
		ExitCode:   ExitCodeFor(err),
		Suggestion: suggestionFor(err),
	}
}

// EmitJSONTo writes an indented JSON document to w. Commands pass
// cmd.OutOrStdout() so output can be captured.
func EmitJSONTo(w io.Writer, response any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// EmitJSONErrorTo writes the failure envelope for command and err to w.
func EmitJSONErrorTo(w io.Writer, command string, err error) error {
	resp := struct {
		JSONResponse
		Error JSONError `json:"error"`
	}{
		JSONResponse: JSONResponse{Version: JSONVersion, Command: command},
		Error:        NewJSONError(err),
	}
	return EmitJSONTo(w, resp)
}
