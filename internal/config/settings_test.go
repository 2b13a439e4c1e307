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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSettings_LoadMissingReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	cfg, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if cfg.ServerURL != Default().Client.ServerURL {
		t.Errorf("server url = %q", cfg.ServerURL)
	}
}

func TestSettings_UpdateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	err := UpdateSettings(path, func(c *ClientConfig) {
		c.ServerURL = "https://rollout.example.com"
		c.LogRetryBackoff = 10 * time.Second
		c.Token = "must-not-be-written"
	})
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "must-not-be-written") {
		t.Error("token was persisted to the settings file")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("settings mode = %v, want 0600", info.Mode().Perm())
	}

	cfg, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if cfg.ServerURL != "https://rollout.example.com" {
		t.Errorf("server url = %q", cfg.ServerURL)
	}
	if cfg.LogRetryBackoff != 10*time.Second {
		t.Errorf("log retry backoff = %v", cfg.LogRetryBackoff)
	}
}

func TestSettings_LockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	first, _ := NewSettingsFile(path)
	if err := first.Lock(); err != nil {
		t.Fatalf("first Lock() error = %v", err)
	}
	defer first.Unlock()

	if testing.Short() {
		t.Skip("lock timeout takes several seconds")
	}
	second, _ := NewSettingsFile(path)
	if err := second.Lock(); err != ErrLockTimeout {
		t.Errorf("second Lock() error = %v, want ErrLockTimeout", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if got := ResolvePath("/etc/rollout.yaml"); got != "/etc/rollout.yaml" {
		t.Errorf("explicit path not returned: %q", got)
	}
	if got := ResolvePath(""); got != "" {
		t.Errorf("expected empty path when no config exists, got %q", got)
	}

	path, err := ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := ResolvePath(""); got != path {
		t.Errorf("ResolvePath() = %q, want %q", got, path)
	}
}

func TestLoadClient_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := UpdateSettings(path, func(c *ClientConfig) {
		c.ServerURL = "http://stored:8420"
	}); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	t.Setenv("ROLLOUT_SERVER", "http://env:8420")
	t.Setenv("ROLLOUT_LOG_RETRY_BACKOFF", "5s")
	t.Setenv("ROLLOUT_LOG_MAX_RETRIES", "3")

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.ServerURL != "http://env:8420" {
		t.Errorf("server url = %q", cfg.ServerURL)
	}
	if cfg.LogRetryBackoff != 5*time.Second {
		t.Errorf("log retry backoff = %v", cfg.LogRetryBackoff)
	}
	if cfg.LogMaxRetries != 3 {
		t.Errorf("log max retries = %d", cfg.LogMaxRetries)
	}
}
