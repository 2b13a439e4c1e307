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

package management

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/pkg/workflow"
)

func testRun() workflow.WorkflowRun {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	return workflow.WorkflowRun{
		ID:           "run-7",
		ProjectID:    "shop",
		RunNumber:    7,
		WorkflowType: workflow.WorkflowTypeDeploy,
		InitiatedBy:  "alice",
		InitiatedAt:  &start,
		Status:       workflow.RunStatusFailed,
		StatusReason: "job 2 failed",
		Jobs: []workflow.WorkflowJob{
			{ID: "j1", JobNumber: 1, Title: "Deploy common", Status: workflow.JobStatusSucceeded, InitiatedAt: &start, CompletedAt: &end, Outputs: map[string]string{"vpc_id": "vpc-123"}},
			{ID: "j2", JobNumber: 2, Title: "Deploy web", Status: workflow.JobStatusFailed, StatusReason: "exit status 2", Dependencies: []string{"j1"}},
		},
	}
}

func setup(t *testing.T, mux *http.ServeMux) {
	t.Helper()
	keyring.MockInit()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	shared.SetConfigPathForTest(filepath.Join(t.TempDir(), "settings.yaml"))
	shared.SetServerForTest(srv.URL, "")
	t.Setenv("ROLLOUT_LOG_RETRY_BACKOFF", "1ms")
	t.Cleanup(func() {
		shared.SetServerForTest("", "")
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestRunsList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/projects/shop/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "destroy", r.URL.Query().Get("type"))
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		run := testRun()
		writeJSON(w, map[string]any{"runs": []workflow.RunSummary{run.Summary()}, "count": 1})
	})
	setup(t, mux)

	out, _, err := execute(t, NewRunsCommand(), "list", "shop", "--type", "uninstall", "--failed")
	require.NoError(t, err)
	assert.Contains(t, out, "run-7")
	assert.Contains(t, out, "alice")
}

func TestRunsList_InvalidType(t *testing.T) {
	setup(t, http.NewServeMux())

	_, _, err := execute(t, NewRunsCommand(), "list", "shop", "--type", "rollback")
	assert.Equal(t, shared.ExitInvalid, shared.ExitCodeFor(err))
}

func TestRunsShow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs/run-7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, testRun())
	})
	setup(t, mux)

	out, _, err := execute(t, NewRunsCommand(), "show", "run-7")
	require.NoError(t, err)
	assert.Contains(t, out, "deploy #7 (shop)")
	assert.Contains(t, out, "exit status 2")
	assert.Contains(t, out, "rollout runs resume run-7")

	out, _, err = execute(t, NewRunsCommand(), "show", "run-7", "--report")
	require.NoError(t, err)
	assert.Contains(t, out, "| 1 | Deploy common | succeeded | 1m0s |")

	out, _, err = execute(t, NewRunsCommand(), "show", "run-7", "--outputs")
	require.NoError(t, err)
	assert.Contains(t, out, "Outputs of job 1 (Deploy common):")
	assert.Contains(t, out, `"vpc_id": "vpc-123"`)
	assert.NotContains(t, out, "Outputs of job 2")
}

func TestRunsShow_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"run not found: missing","type":"not_found"}`)
	})
	setup(t, mux)

	_, _, err := execute(t, NewRunsCommand(), "show", "missing")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCodeFor(err))
}

func TestRunsGraph(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs/run-7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, testRun())
	})
	mux.HandleFunc("GET /v1/runs/run-7/graph", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"nodes": []map[string]any{
				{"id": "j1", "job_number": 1, "label": "Deploy common", "status": "succeeded", "layer": 0},
				{"id": "j2", "job_number": 2, "label": "Deploy web", "status": "failed", "layer": 1},
			},
			"edges":              []map[string]string{{"from": "j1", "to": "j2"}},
			"layers":             [][]string{{"j1"}, {"j2"}},
			"max_outgoing_edges": 1,
		})
	})
	setup(t, mux)

	out, _, err := execute(t, NewRunsCommand(), "graph", "run-7")
	require.NoError(t, err)
	assert.Contains(t, out, "Deploy run #7  shop  (Failed)")
	assert.Contains(t, out, "after #1")
	assert.Contains(t, out, "Max fan-out: 1")
}

func TestRunsResumeAndCancel(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs/run-7/{action}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.PathValue("action"))
		mu.Unlock()
		run := testRun()
		run.Status = workflow.RunStatusInProgress
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, run)
	})
	setup(t, mux)

	out, _, err := execute(t, NewRunsCommand(), "resume", "run-7")
	require.NoError(t, err)
	assert.Contains(t, out, "Resumed deploy run #7")

	_, _, err = execute(t, NewRunsCommand(), "cancel", "run-7")
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"resume", "cancel"}, calls)
}

func TestDeployments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/projects/shop/deployments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"deployments": []workflow.ApplicationDeployment{
				{ProjectID: "shop", AppID: "web", Status: workflow.AppStatusInstalled, LastRunID: "run-7"},
			},
			"count": 1,
		})
	})
	setup(t, mux)

	out, _, err := execute(t, NewDeploymentsCommand(), "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "installed")
	assert.Contains(t, out, "run-7")
}

func TestLogs_FollowsUntilDone(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/projects/shop/logs/destroy/3/1", func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		assert.Equal(t, "web", r.URL.Query().Get("app"))
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\nevent: log-line\ndata: {\"seq\":1,\"text\":\"removing web\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"status\":\"succeeded\"}\n\n")
	})
	setup(t, mux)

	out, errOut, err := execute(t, NewLogsCommand(), "shop", "3", "1", "--type", "destroy", "--app", "web")
	require.NoError(t, err)
	assert.Equal(t, "removing web\n", out)
	assert.Contains(t, errOut, "reconnecting")
	assert.Contains(t, errOut, "job 1 finished: succeeded")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestLogs_FailedJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/projects/shop/logs/deploy/7/2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: done\ndata: {\"status\":\"failed\"}\n\n")
	})
	setup(t, mux)

	_, _, err := execute(t, NewLogsCommand(), "shop", "7", "2")
	require.Error(t, err)
	assert.Equal(t, shared.ExitFailed, shared.ExitCodeFor(err))
}

func TestLogs_ClientErrorIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/projects/shop/logs/deploy/7/9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"job 9 not found"}`)
	})
	setup(t, mux)

	_, _, err := execute(t, NewLogsCommand(), "shop", "7", "9")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCodeFor(err))
}

func TestLogs_InvalidArgs(t *testing.T) {
	setup(t, http.NewServeMux())

	for _, args := range [][]string{
		{"shop", "x", "1"},
		{"shop", "1", "0"},
		{"shop", "1", "1", "--type", "rollback"},
	} {
		_, _, err := execute(t, NewLogsCommand(), args...)
		assert.Equal(t, shared.ExitInvalid, shared.ExitCodeFor(err), "args %v", args)
	}
}
