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

package version

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/shared"
)

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()

	if cmd.Use != "version" {
		t.Errorf("expected use 'version', got %q", cmd.Use)
	}

	if cmd.Short == "" {
		t.Error("expected short description to be set")
	}
}

func TestVersionOutput(t *testing.T) {
	// Set test version
	shared.SetVersion("1.0.0", "test123", "2025-12-22")
	defer shared.SetVersion("dev", "unknown", "unknown")

	cmd := NewVersionCommand()

	// Capture output
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--client-only"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "rollout version 1.0.0") {
		t.Errorf("expected output to contain version '1.0.0', got: %s", output)
	}
	if strings.Contains(output, "server") {
		t.Errorf("expected no server lookup with --client-only, got: %s", output)
	}
}

func TestVersionJSONOutput_WithServer(t *testing.T) {
	shared.SetVersion("1.0.0", "test123", "2025-12-22")
	defer shared.SetVersion("dev", "unknown", "unknown")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/version" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(client.VersionResponse{
			Name:      "rolloutd",
			Version:   "2.0.0",
			GoVersion: "go1.25.5",
			Platform:  "linux/amd64",
		})
	}))
	defer srv.Close()

	shared.SetConfigPathForTest(filepath.Join(t.TempDir(), "settings.yaml"))
	shared.SetServerForTest(srv.URL, "")
	defer shared.SetServerForTest("", "")
	defer shared.SetConfigPathForTest("")

	// Create root command with --json flag
	rootCmd := &cobra.Command{Use: "test"}
	_, _, jsonPtr, _ := shared.RegisterFlagPointers()
	rootCmd.PersistentFlags().BoolVar(jsonPtr, "json", false, "JSON output")
	defer func() { *jsonPtr = false }()

	cmd := NewVersionCommand()
	rootCmd.AddCommand(cmd)

	// Capture output
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	cmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version", "--json"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	var out Output
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse JSON output: %v\nOutput: %s", err, buf.String())
	}

	if out.Client.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %q", out.Client.Version)
	}
	if out.Client.Commit != "test123" {
		t.Errorf("expected commit 'test123', got %q", out.Client.Commit)
	}
	if out.Server == nil || out.Server.Version != "2.0.0" {
		t.Errorf("expected server version '2.0.0', got %+v", out.Server)
	}
	if out.ServerError != "" {
		t.Errorf("unexpected server error: %s", out.ServerError)
	}
}

func TestVersionOutput_ServerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	shared.SetConfigPathForTest(filepath.Join(t.TempDir(), "settings.yaml"))
	shared.SetServerForTest(url, "")
	defer shared.SetServerForTest("", "")
	defer shared.SetConfigPathForTest("")

	cmd := NewVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs(nil)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command should not fail when the server is down: %v", err)
	}
	if !strings.Contains(buf.String(), "server: unavailable") {
		t.Errorf("expected unavailable server line, got: %s", buf.String())
	}
}
