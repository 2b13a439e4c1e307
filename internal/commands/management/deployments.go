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

package management

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/pkg/workflow"
)

// NewDeploymentsCommand creates the deployments command.
func NewDeploymentsCommand() *cobra.Command {
	return &cobra.Command{
		Use: "deployments <project>",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Show the deployment state of a project's apps",
		Long: `List each app of a project with its current lifecycle status, the
status it held before the last run, and the run that last changed it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			c, err := shared.NewClient()
			if err != nil {
				return err
			}

			deployments, err := c.Deployments(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to list deployments: %w", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				if deployments == nil {
					deployments = []*workflow.ApplicationDeployment{}
				}
				return shared.EmitJSONTo(out, deployments)
			}

			if len(deployments) == 0 {
				fmt.Fprintln(out, "No deployments found")
				return nil
			}

			fmt.Fprintf(out, "%-20s %-14s %-14s %-36s %s\n", "APP", "STATUS", "PREVIOUS", "LAST RUN", "UPDATED")
			for _, d := range deployments {
				previous := string(d.PreviousStatus)
				if previous == "" {
					previous = "-"
				}
				lastRun := d.LastRunID
				if lastRun == "" {
					lastRun = "-"
				}
				updated := d.UpdatedAt
				fmt.Fprintf(out, "%-20s %-14s %-14s %-36s %s\n",
					shared.Truncate(d.AppID, 20), d.Status, previous, lastRun, shared.FormatTime(&updated))
			}
			return nil
		},
	}
}
