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

package diagnostics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/shared"
)

func setup(t *testing.T, status string) *httptest.Server {
	t.Helper()
	keyring.MockInit()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(client.HealthResponse{
			Status: status,
			Checks: map[string]string{"api": "ok", "active_runs": "none"},
		})
	}))
	t.Cleanup(srv.Close)

	shared.SetConfigPathForTest(filepath.Join(t.TempDir(), "settings.yaml"))
	shared.SetServerForTest(srv.URL, "")
	t.Cleanup(func() {
		shared.SetServerForTest("", "")
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})
	return srv
}

func TestHealth_Healthy(t *testing.T) {
	srv := setup(t, "healthy")
	require.NoError(t, client.SaveToken(srv.URL, "tok"))
	shared.SetJSONForTest(true)

	cmd := NewHealthCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	var result HealthResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.OverallHealthy)
	assert.True(t, result.ServerReachable)
	assert.False(t, result.SettingsExists)
	assert.Equal(t, "keyring", result.Credentials)
	assert.Equal(t, "none", result.Checks["active_runs"])
}

func TestHealth_NoCredentialsIsAdvisory(t *testing.T) {
	setup(t, "healthy")

	cmd := NewHealthCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "rollout login")
}

func TestHealth_Draining(t *testing.T) {
	setup(t, "draining")

	cmd := NewHealthCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs(nil)
	err := cmd.Execute()
	assert.Equal(t, shared.ExitUnavailable, shared.ExitCodeFor(err))
}

func TestHealth_ServerDown(t *testing.T) {
	srv := setup(t, "healthy")
	srv.Close()
	shared.SetJSONForTest(true)

	cmd := NewHealthCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	err := cmd.Execute()
	assert.Equal(t, shared.ExitUnavailable, shared.ExitCodeFor(err))

	var result HealthResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.False(t, result.ServerReachable)
	assert.NotEmpty(t, result.ServerError)
}
