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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/rollout/internal/commands/completion"
	"github.com/tombee/rollout/internal/commands/diagnostics"
	"github.com/tombee/rollout/internal/commands/login"
	"github.com/tombee/rollout/internal/commands/management"
	"github.com/tombee/rollout/internal/commands/run"
	"github.com/tombee/rollout/internal/commands/shared"
	versioncmd "github.com/tombee/rollout/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for rollout with every
// subcommand registered.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "rollout - deploy and destroy projects through rolloutd",
		Long: `rollout drives deploy and destroy workflows on a rolloutd server.

A deploy runs the project's common infrastructure job first and then its
app jobs in parallel. A destroy runs the app jobs first and the common job
last. Runs can be followed, inspected as a dependency graph, resumed after
a failure, and cancelled.

Run 'rollout login' to store credentials for your server.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			shared.SetCommandName(cmd.CommandPath())
		},
	}

	// Get flag pointers from shared package
	verbose, quiet, json, config := shared.RegisterFlagPointers()
	server, token := shared.RegisterServerFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to settings file (default: ~/.config/rollout/settings.yaml)")
	cmd.PersistentFlags().StringVar(server, "server", "", "rolloutd base URL (env: ROLLOUT_SERVER)")
	cmd.PersistentFlags().StringVar(token, "token", "", "Bearer token, overrides the keyring (env: ROLLOUT_TOKEN)")

	// Workflow commands
	cmd.AddCommand(run.NewDeployCommand())
	cmd.AddCommand(run.NewDestroyCommand())

	// Inspection and control
	cmd.AddCommand(management.NewRunsCommand())
	cmd.AddCommand(management.NewDeploymentsCommand())
	cmd.AddCommand(management.NewLogsCommand())

	// Setup
	cmd.AddCommand(login.NewLoginCommand())
	cmd.AddCommand(login.NewLogoutCommand())

	// Diagnostics
	cmd.AddCommand(diagnostics.NewHealthCommand())
	cmd.AddCommand(completion.NewCommand())
	cmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	cmd.SetHelpCommand(NewHelpCommand(cmd))

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
