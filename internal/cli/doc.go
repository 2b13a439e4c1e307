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

/*
Package cli provides the root command for the rollout CLI.

This package creates the Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	rollout
	├── deploy        Start a deploy run (alias: install)
	├── destroy       Start a destroy run (alias: uninstall)
	├── runs          List, show, graph, resume and cancel runs
	├── deployments   Show per-app deployment state
	├── logs          Follow the log stream of one job
	├── login         Store credentials for a server
	├── logout        Remove stored credentials
	├── health        Check settings and server health
	├── completion    Generate shell completion scripts
	├── version       Show version
	└── help          Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable verbose output
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to settings file
	--server         rolloutd base URL
	--token          Bearer token

Settings resolve in order: settings file, ROLLOUT_* environment variables,
then flags.

# Exit Codes

  - 0: Success
  - 1: Run failed
  - 2: Invalid usage or input
  - 3: Not found
  - 4: Server unavailable
  - 5: Authentication failed
  - 6: Cancelled
*/
package cli
