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

package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/config"
	"github.com/tombee/rollout/internal/testing/fakeexec"
	"github.com/tombee/rollout/pkg/workflow"
)

const manifest = `
id: shop
apps:
  - id: api
  - id: web
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.yaml"), []byte(manifest), 0o600))

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Projects.Dir = dir
	return cfg
}

func newController(t *testing.T, cfg *config.Config) (*Controller, *fakeexec.Executor) {
	t.Helper()
	exec := fakeexec.New()
	reg := prometheus.NewRegistry()
	c, err := New(cfg, Options{
		Version:    "1.2.3",
		Executor:   exec,
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	return c, exec
}

func TestController_StartDeployShutdown(t *testing.T) {
	c, exec := newController(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return c.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	cl, err := client.New(client.WithBaseURL("http://" + c.Addr()))
	require.NoError(t, err)

	version, err := cl.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", version.Version)

	run, err := cl.Deploy(ctx, "shop", client.StartRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := cl.GetRun(ctx, run.ID)
		return err == nil && got.Status == workflow.RunStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, exec.Submissions(), 1)

	resp, err := http.Get("http://" + c.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, c.Shutdown(shutdownCtx))
}

func TestController_AuthProtectsAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"

	c, _ := newController(t, cfg)
	defer func() { _ = c.Shutdown(context.Background()) }()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/projects/shop/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNew_InvalidComponents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown backend", func(c *config.Config) { c.Backend.Type = "etcd" }},
		{"unknown executor", func(c *config.Config) { c.Executor.Type = "lambda" }},
		{"bad remote url", func(c *config.Config) {
			c.Executor.Type = "remote"
			c.Executor.Remote.URL = "not a url"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := New(cfg, Options{Registerer: prometheus.NewRegistry()})
			assert.Error(t, err)
		})
	}
}

func TestNew_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Type = "sqlite"
	cfg.Backend.SQLite.Path = filepath.Join(t.TempDir(), "rollout.db")

	c, _ := newController(t, cfg)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestIsLocalhostAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8420", true},
		{"localhost:8420", true},
		{"[::1]:8420", true},
		{"0.0.0.0:8420", false},
		{":8420", false},
		{"10.0.0.5:8420", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isLocalhostAddr(tt.addr), tt.addr)
	}
}
