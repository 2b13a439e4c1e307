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

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/tombee/rollout/internal/config"
	"github.com/tombee/rollout/internal/logrelay"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(append([]Option{WithBaseURL(srv.URL)}, opts...)...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Health(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "healthy",
			"checks": map[string]string{"active_runs": "none"},
		})
	})

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "none", health.Checks["active_runs"])
}

func TestClient_DeploySendsSelectionAndToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects/shop/deploy", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		var body StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"web-*"}, body.Apps)

		writeJSON(w, http.StatusAccepted, workflow.WorkflowRun{
			ID:           "run-1",
			ProjectID:    "shop",
			RunNumber:    3,
			WorkflowType: workflow.WorkflowTypeDeploy,
			Status:       workflow.RunStatusInProgress,
		})
	}, WithToken("s3cret"))

	run, err := c.Deploy(context.Background(), "shop", StartRequest{Apps: []string{"web-*"}})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, 3, run.RunNumber)
}

func TestClient_DestroyPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/shop/destroy", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusAccepted, workflow.WorkflowRun{ID: "run-2", AppID: "web"})
	})

	run, err := c.Destroy(context.Background(), "shop", StartRequest{AppID: "web"})
	require.NoError(t, err)
	assert.Equal(t, "web", run.AppID)
}

func TestClient_ListRunsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/v1/projects/shop/runs", r.URL.Path)
		assert.Equal(t, "destroy", q.Get("type"))
		assert.Equal(t, "web", q.Get("app"))
		assert.Equal(t, "failed,cancelled", q.Get("status"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Empty(t, q.Get("offset"))

		writeJSON(w, http.StatusOK, map[string]any{
			"runs":  []workflow.RunSummary{{ID: "a", RunNumber: 2}, {ID: "b", RunNumber: 1}},
			"count": 2,
		})
	})

	runs, err := c.ListRuns(context.Background(), "shop", ListRunsRequest{
		WorkflowType: workflow.WorkflowTypeDestroy,
		AppID:        "web",
		Statuses:     []workflow.RunStatus{workflow.RunStatusFailed, workflow.RunStatusCancelled},
		Limit:        5,
	})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].RunNumber)
}

func TestClient_APIError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  string
		wantMsg   string
		retryable bool
	}{
		{"typed json", http.StatusNotFound, `{"error":"run not found: x","type":"not_found"}`, "not_found", "run not found: x", false},
		{"untyped json", http.StatusConflict, `{"error":"already running"}`, "conflict", "already running", false},
		{"plain text", http.StatusBadGateway, "upstream down\n", "server", "upstream down", true},
		{"forbidden", http.StatusForbidden, `{"error":"insufficient scope"}`, "auth", "insufficient scope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))

			_, err := c.GetRun(context.Background(), "x")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.wantType, errors.TypeOf(err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(WithBaseURL(url), WithHTTPClient(&http.Client{Timeout: time.Second}))
	require.NoError(t, err)

	_, err = c.Version(context.Background())
	var te *errors.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestClient_Graph(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/run-1/graph", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"nodes":              []map[string]any{{"id": "j1", "job_number": 1, "label": "Deploy common", "layer": 0}},
			"edges":              []any{},
			"layers":             [][]string{{"j1"}},
			"max_outgoing_edges": 0,
		})
	})

	g, err := c.Graph(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "Deploy common", g.Nodes[0].Label)
	assert.Equal(t, [][]string{{"j1"}}, g.Layers)
}

func TestWithBaseURL_Invalid(t *testing.T) {
	_, err := New(WithBaseURL("127.0.0.1:8420"))
	var ve *errors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestClient_RelayStreamsLogs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/shop/logs/deploy/4/2", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\nevent: log-line\ndata: {\"seq\":1,\"text\":\"applying\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"status\":\"succeeded\"}\n\n")
	}, WithToken("s3cret"), WithLogRetry(time.Millisecond, 1))

	var lines []string
	outcome, err := c.Relay().Subscribe(context.Background(), logrelay.Target{
		ProjectID:    "shop",
		WorkflowType: workflow.WorkflowTypeDeploy,
		RunNumber:    4,
		JobNumber:    2,
	}, func(l logrelay.Line) { lines = append(lines, l.Text) })

	require.NoError(t, err)
	assert.Equal(t, logrelay.OutcomeDone, outcome)
	assert.Equal(t, []string{"applying"}, lines)
}

func TestCredentials_Keyring(t *testing.T) {
	keyring.MockInit()
	server := "https://rollout.example.com/"

	_, err := LoadToken(server)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Nil(t, ResolveTokenSource(server, ""))

	require.NoError(t, SaveToken(server, "stored"))

	token, err := LoadToken("https://rollout.example.com")
	require.NoError(t, err)
	assert.Equal(t, "stored", token, "trailing slash does not change the entry")

	tok, err := ResolveTokenSource(server, "").Token()
	require.NoError(t, err)
	assert.Equal(t, "stored", tok.AccessToken)

	tok, err = ResolveTokenSource(server, "explicit").Token()
	require.NoError(t, err)
	assert.Equal(t, "explicit", tok.AccessToken)

	require.NoError(t, DeleteToken(server))
	require.NoError(t, DeleteToken(server))
	_, err = LoadToken(server)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestFromConfig_UsesKeyring(t *testing.T) {
	keyring.MockInit()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, VersionResponse{Name: "rolloutd", Version: "1.2.0"})
	}))
	defer srv.Close()

	require.NoError(t, SaveToken(srv.URL, "from-keyring"))

	c, err := FromConfig(&config.ClientConfig{ServerURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", v.Version)
	assert.Equal(t, "Bearer from-keyring", gotAuth)
}

func TestClientCredentials_Exchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "runs:write", r.Form.Get("scope"))
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "issued",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	tok, err := ClientCredentials{
		TokenURL:     srv.URL + "/token",
		ClientID:     "ci",
		ClientSecret: "secret",
		Scopes:       []string{"runs:write"},
	}.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "issued", tok.AccessToken)
}
