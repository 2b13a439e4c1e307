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
	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/config"
)

// Global flag values - set by root command
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	configFlag  string
	serverFlag  string
	tokenFlag   string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &verboseFlag, &quietFlag, &jsonFlag, &configFlag
}

// RegisterServerFlagPointers returns pointers to the --server and --token
// flag variables.
func RegisterServerFlagPointers() (*string, *string) {
	return &serverFlag, &tokenFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quietFlag
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the settings file path
func GetConfigPath() string {
	return configFlag
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetConfigPathForTest sets the config path for testing purposes
func SetConfigPathForTest(path string) {
	configFlag = path
}

// SetServerForTest points commands at a test server.
func SetServerForTest(server, token string) {
	serverFlag = server
	tokenFlag = token
}

// SetJSONForTest toggles JSON output for testing purposes
func SetJSONForTest(v bool) {
	jsonFlag = v
}

// ClientConfig resolves CLI settings. Flags override ROLLOUT_* variables,
// which override the settings file.
func ClientConfig() (*config.ClientConfig, error) {
	cfg, err := config.LoadClient(configFlag)
	if err != nil {
		return nil, err
	}
	if serverFlag != "" {
		cfg.ServerURL = serverFlag
	}
	if tokenFlag != "" {
		cfg.Token = tokenFlag
	}
	return cfg, nil
}

// NewClient creates an API client from the resolved CLI settings.
func NewClient() (*client.Client, error) {
	cfg, err := ClientConfig()
	if err != nil {
		return nil, err
	}
	return client.FromConfig(cfg)
}
