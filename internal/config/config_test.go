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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	rollouterrors "github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "ROLLOUT_") || strings.HasPrefix(key, "LOG_") {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Workflow.MaxConcurrency != 40 {
		t.Errorf("expected max concurrency 40, got %d", cfg.Workflow.MaxConcurrency)
	}
	if cfg.Workflow.FailurePolicy() != workflow.FailurePolicyFail {
		t.Errorf("expected fail policy, got %q", cfg.Workflow.PartialFailurePolicy)
	}
	if cfg.Client.LogRetryBackoff != 30*time.Second {
		t.Errorf("expected 30s log retry backoff, got %v", cfg.Client.LogRetryBackoff)
	}
	if cfg.Backend.Type != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Backend.Type)
	}
	if cfg.Executor.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Executor.Retry.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8420" {
		t.Errorf("unexpected addr %q", cfg.Server.Addr)
	}
}

func TestLoad_MinimalFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
backend:
  type: sqlite
  sqlite:
    path: /var/lib/rollout/rollout.db
workflow:
  partial_failure_policy: tolerate_app_failures
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Type != "sqlite" || cfg.Backend.SQLite.Path != "/var/lib/rollout/rollout.db" {
		t.Errorf("backend not loaded: %+v", cfg.Backend)
	}
	if cfg.Workflow.FailurePolicy() != workflow.FailurePolicyTolerateAppFailures {
		t.Errorf("policy = %q", cfg.Workflow.PartialFailurePolicy)
	}
	// Zero values are filled from defaults.
	if cfg.Workflow.MaxConcurrency != 40 {
		t.Errorf("max concurrency = %d, want default 40", cfg.Workflow.MaxConcurrency)
	}
	if cfg.Executor.Retry.InitialBackoff != time.Second {
		t.Errorf("initial backoff = %v", cfg.Executor.Retry.InitialBackoff)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "workflow:\n  max_concurrency: 5\n")

	t.Setenv("ROLLOUT_MAX_CONCURRENCY", "12")
	t.Setenv("ROLLOUT_EXECUTOR", "remote")
	t.Setenv("ROLLOUT_EXECUTOR_URL", "https://runner.internal")
	t.Setenv("ROLLOUT_LOG_RETRY_BACKOFF", "5s")
	t.Setenv("ROLLOUT_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("ROLLOUT_RESUME_INTERRUPTED", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workflow.MaxConcurrency != 12 {
		t.Errorf("env should override file: got %d", cfg.Workflow.MaxConcurrency)
	}
	if cfg.Executor.Type != "remote" || cfg.Executor.Remote.URL != "https://runner.internal" {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	if cfg.Client.LogRetryBackoff != 5*time.Second {
		t.Errorf("log retry backoff = %v", cfg.Client.LogRetryBackoff)
	}
	if cfg.Events.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("nats url = %q", cfg.Events.NATSURL)
	}
	if !cfg.Workflow.ResumeInterrupted {
		t.Error("resume interrupted not set")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		body    string
		wantKey string
		wantMsg string
	}{
		{"bad yaml", "workflow: [", "config_file", "failed to parse YAML"},
		{"bad backend", "backend:\n  type: mysql\n", "validation", "backend.type"},
		{"postgres without url", "backend:\n  type: postgres\n", "validation", "connection_string"},
		{"bad policy", "workflow:\n  partial_failure_policy: ignore\n", "validation", "partial_failure_policy"},
		{"bad template", "workflow:\n  command_template: '{{.Nope}}'\n", "validation", "command_template"},
		{"negative concurrency", "workflow:\n  max_concurrency: -3\n", "validation", "max_concurrency"},
		{"remote without url", "executor:\n  type: remote\n", "validation", "executor.remote.url"},
		{"short jwt secret", "auth:\n  enabled: true\n  jwt_secret: short\n", "validation", "jwt_secret"},
		{"watch without dir", "projects:\n  watch: true\n", "validation", "projects.watch"},
		{"bad exporter", "observability:\n  tracing:\n    exporters:\n      - type: zipkin\n", "validation", "exporters[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			var cfgErr *rollouterrors.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if cfgErr.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", cfgErr.Key, tt.wantKey)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Backend.Type = "mysql"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "log.level") || !strings.Contains(err.Error(), "backend.type") {
		t.Errorf("expected both problems in %q", err.Error())
	}
}
