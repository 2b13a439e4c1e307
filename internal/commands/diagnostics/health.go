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

// Package diagnostics implements the health command.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/internal/config"
)

const healthTimeout = 10 * time.Second

// HealthResult contains the overall health check results
type HealthResult struct {
	SettingsPath    string            `json:"settings_path"`
	SettingsExists  bool              `json:"settings_exists"`
	SettingsError   string            `json:"settings_error,omitempty"`
	ServerURL       string            `json:"server_url"`
	Credentials     string            `json:"credentials"`
	ServerReachable bool              `json:"server_reachable"`
	ServerStatus    string            `json:"server_status,omitempty"`
	ServerError     string            `json:"server_error,omitempty"`
	Checks          map[string]string `json:"checks,omitempty"`
	Recommendations []string          `json:"recommendations"`
	OverallHealthy  bool              `json:"overall_healthy"`
}

// NewHealthCommand creates the health command
func NewHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use: "health",
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Short: "Check client settings and server health",
		Long: `Check the local rollout settings and the rolloutd server.

This command checks:
  - The settings file exists and parses
  - Credentials are available for the server
  - The server answers /v1/health and is not draining

See also: rollout login, rollout version`,
		Example: `  # Basic health check
  rollout health

  # Use in CI to verify the server is up
  rollout health --json | jq -e '.overall_healthy'`,
		Args: cobra.NoArgs,
		RunE: runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	result := HealthResult{
		Recommendations: []string{},
		OverallHealthy:  true,
	}

	result.SettingsPath = shared.GetConfigPath()
	if result.SettingsPath == "" {
		if p, err := config.SettingsPath(); err == nil {
			result.SettingsPath = p
		}
	}
	if _, err := os.Stat(result.SettingsPath); err == nil {
		result.SettingsExists = true
	}

	cfg, err := shared.ClientConfig()
	if err != nil {
		result.SettingsError = err.Error()
		result.OverallHealthy = false
		result.Recommendations = append(result.Recommendations,
			"Fix the settings file or remove it to fall back to defaults.")
		return output(cmd, result)
	}
	result.ServerURL = cfg.ServerURL

	switch {
	case cfg.Token != "":
		result.Credentials = "token"
	default:
		_, err := client.LoadToken(cfg.ServerURL)
		switch {
		case err == nil:
			result.Credentials = "keyring"
		case errors.Is(err, client.ErrNoCredentials):
			result.Credentials = "none"
			result.Recommendations = append(result.Recommendations,
				"No credentials stored. Run 'rollout login' if the server requires authentication.")
		default:
			result.Credentials = "unavailable"
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("Keyring unavailable (%v). Set ROLLOUT_TOKEN instead.", err))
		}
	}

	c, err := client.FromConfig(cfg)
	if err != nil {
		result.ServerError = err.Error()
		result.OverallHealthy = false
		return output(cmd, result)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		result.ServerError = err.Error()
		result.OverallHealthy = false
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("Start rolloutd or point --server at a running instance (tried %s).", cfg.ServerURL))
		return output(cmd, result)
	}

	result.ServerReachable = true
	result.ServerStatus = health.Status
	result.Checks = health.Checks
	if health.Status != "healthy" {
		result.OverallHealthy = false
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("Server reports %q; new runs are refused until it restarts.", health.Status))
	}

	return output(cmd, result)
}

func output(cmd *cobra.Command, result HealthResult) error {
	if shared.GetJSON() {
		if err := shared.EmitJSONTo(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		printText(cmd, result)
	}

	if !result.OverallHealthy {
		return &shared.ExitError{Code: shared.ExitUnavailable, Message: "health check failed"}
	}
	return nil
}

func printText(cmd *cobra.Command, r HealthResult) {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, shared.Header.Render("Settings"))
	fmt.Fprintf(out, "  %s %s\n", shared.RenderStatus(r.SettingsError == "", "file"), r.SettingsPath)
	if !r.SettingsExists {
		fmt.Fprintln(out, shared.Muted.Render("    not found, using defaults"))
	}
	if r.SettingsError != "" {
		fmt.Fprintln(out, "    "+shared.RenderError(r.SettingsError))
	}

	if r.ServerURL != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, shared.Header.Render("Server"))
		fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("url"), r.ServerURL)
		fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("credentials"), r.Credentials)
		fmt.Fprintf(out, "  %s\n", shared.RenderStatus(r.ServerReachable && r.ServerStatus == "healthy", "status "+r.ServerStatus))
		if r.ServerError != "" {
			fmt.Fprintln(out, "    "+shared.RenderError(r.ServerError))
		}
		for _, k := range []string{"api", "runtime", "active_runs"} {
			if v, ok := r.Checks[k]; ok {
				fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel(k), v)
			}
		}
	}

	if len(r.Recommendations) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, shared.Header.Render("Recommendations"))
		for _, rec := range r.Recommendations {
			fmt.Fprintf(out, "  - %s\n", rec)
		}
	}
}
