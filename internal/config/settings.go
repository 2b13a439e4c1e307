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
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrLockTimeout is returned when file lock acquisition times out.
var ErrLockTimeout = errors.New("configuration locked by another process")

const lockTimeout = 5 * time.Second

// SettingsFile persists CLI settings (the client section of the config) in
// settings.yaml, guarded by an flock so concurrent CLI invocations do not
// clobber each other.
type SettingsFile struct {
	path     string
	lockFile *os.File
}

// SettingsPath returns the full path to settings.yaml.
func SettingsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.yaml"), nil
}

// NewSettingsFile creates a SettingsFile. An empty path selects the default.
func NewSettingsFile(path string) (*SettingsFile, error) {
	if path == "" {
		var err error
		path, err = SettingsPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get settings path: %w", err)
		}
	}
	return &SettingsFile{path: path}, nil
}

// Lock acquires an exclusive lock, waiting up to lockTimeout.
func (s *SettingsFile) Lock() error {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
			s.lockFile = lockFile
			return nil
		}
		if time.Now().After(deadline) {
			lockFile.Close()
			return ErrLockTimeout
		}
		<-ticker.C
	}
}

// Unlock releases the lock.
func (s *SettingsFile) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	defer func() { s.lockFile = nil }()

	if err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		s.lockFile.Close()
		return fmt.Errorf("failed to unlock: %w", err)
	}
	return s.lockFile.Close()
}

// Load reads the stored client settings. A missing file yields defaults.
func (s *SettingsFile) Load() (*ClientConfig, error) {
	defaults := Default().Client

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	cfg := defaults
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings YAML: %w", err)
	}
	return &cfg, nil
}

// Save writes client settings atomically. The token is never persisted here;
// it lives in the OS keyring.
func (s *SettingsFile) Save(cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	stored := *cfg
	stored.Token = ""
	data, err := yaml.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock.
func (s *SettingsFile) WithLock(fn func() error) error {
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()
	return fn()
}

// LoadSettings loads client settings with automatic locking.
func LoadSettings(path string) (*ClientConfig, error) {
	sf, err := NewSettingsFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *ClientConfig
	err = sf.WithLock(func() error {
		var loadErr error
		cfg, loadErr = sf.Load()
		return loadErr
	})
	return cfg, err
}

// LoadClient loads client settings and applies ROLLOUT_* environment
// overrides on top.
func LoadClient(path string) (*ClientConfig, error) {
	cfg, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	cfg.loadFromEnv()
	return cfg, nil
}

// UpdateSettings applies fn to the stored settings under the lock.
func UpdateSettings(path string, fn func(*ClientConfig)) error {
	sf, err := NewSettingsFile(path)
	if err != nil {
		return err
	}
	return sf.WithLock(func() error {
		cfg, err := sf.Load()
		if err != nil {
			return err
		}
		fn(cfg)
		return sf.Save(cfg)
	})
}
