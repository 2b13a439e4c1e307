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

package login

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/internal/config"
)

const server = "https://rollout.example.com"

func setup(t *testing.T) string {
	t.Helper()
	keyring.MockInit()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	shared.SetConfigPathForTest(path)
	shared.SetServerForTest(server, "")
	t.Cleanup(func() {
		shared.SetServerForTest("", "")
		shared.SetConfigPathForTest("")
	})

	oldTTY := stdinIsTerminal
	stdinIsTerminal = func() bool { return false }
	t.Cleanup(func() { stdinIsTerminal = oldTTY })
	return path
}

func TestLogin_TokenFromStdin(t *testing.T) {
	path := setup(t)

	cmd := NewLoginCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("  piped-token \n"))
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Logged in to "+server)

	token, err := client.LoadToken(server)
	require.NoError(t, err)
	assert.Equal(t, "piped-token", token)

	settings, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, server, settings.ServerURL)
	assert.Empty(t, settings.Token, "tokens never land in the settings file")
}

func TestReadToken_TerminalNonInteractive(t *testing.T) {
	setup(t)
	stdinIsTerminal = func() bool { return true }
	t.Setenv("ROLLOUT_NON_INTERACTIVE", "true")

	oldRead := readSecret
	readSecret = func(string) (string, error) {
		t.Fatal("prompted in non-interactive mode")
		return "", nil
	}
	t.Cleanup(func() { readSecret = oldRead })

	_, err := readToken(strings.NewReader(""))
	assert.Equal(t, shared.ExitInvalid, shared.ExitCodeFor(err))
}

func TestLogin_EmptyToken(t *testing.T) {
	setup(t)

	cmd := NewLoginCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("\n"))
	cmd.SetArgs(nil)
	err := cmd.Execute()
	assert.Equal(t, shared.ExitInvalid, shared.ExitCodeFor(err))

	_, err = client.LoadToken(server)
	assert.ErrorIs(t, err, client.ErrNoCredentials)
}

func TestLogin_ClientCredentials(t *testing.T) {
	setup(t)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "exchanged", "token_type": "bearer"})
	}))
	defer idp.Close()

	t.Setenv("ROLLOUT_CLIENT_SECRET", "s3cret")

	cmd := NewLoginCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--client-id", "ci", "--token-url", idp.URL + "/token"})
	require.NoError(t, cmd.Execute())

	token, err := client.LoadToken(server)
	require.NoError(t, err)
	assert.Equal(t, "exchanged", token)
}

func TestLogin_ClientIDNeedsTokenURL(t *testing.T) {
	setup(t)
	t.Setenv("ROLLOUT_CLIENT_SECRET", "")

	cmd := NewLoginCommand()
	cmd.SetArgs([]string{"--client-id", "ci"})
	err := cmd.Execute()
	assert.Equal(t, shared.ExitInvalid, shared.ExitCodeFor(err))
}

func TestLogout(t *testing.T) {
	setup(t)
	require.NoError(t, client.SaveToken(server, "old"))

	cmd := NewLogoutCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Logged out of "+server)
	_, err := client.LoadToken(server)
	assert.ErrorIs(t, err, client.ErrNoCredentials)
}
