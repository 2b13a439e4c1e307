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

// Package management implements commands that inspect and control runs.
package management

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rollout/internal/cli/format"
	"github.com/tombee/rollout/internal/cli/timeline"
	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/completion"
	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/pkg/workflow"
)

const requestTimeout = 30 * time.Second

// NewRunsCommand creates the runs command group.
func NewRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "runs",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Inspect and control workflow runs",
		Long: `Commands for listing, viewing, resuming and cancelling deploy and destroy
runs.

Runs are identified by their id, shown by 'rollout runs list'.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsGraphCommand())
	cmd.AddCommand(newRunsResumeCommand())
	cmd.AddCommand(newRunsCancelCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		workflowType string
		app          string
		statuses     []string
		failed       bool
		limit        int
		offset       int
	)

	cmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's runs",
		Long: `List a project's runs, newest first.

Whole-project runs and single-app runs are numbered separately; --app selects
the runs of one app.

See also: rollout runs show, rollout deploy`,
		Example: `  # List recent runs
  rollout runs list shop

  # List failed destroy runs
  rollout runs list shop --type destroy --failed

  # Get runs as JSON for monitoring
  rollout runs list shop --json | jq '.[] | select(.status=="failed")'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.ListRunsRequest{AppID: app, Limit: limit, Offset: offset}
			if workflowType != "" {
				t, err := workflow.ParseWorkflowType(workflowType)
				if err != nil {
					return shared.NewInvalidError("invalid --type", err)
				}
				req.WorkflowType = t
			}
			if failed {
				statuses = append(statuses, string(workflow.RunStatusFailed))
			}
			for _, s := range statuses {
				req.Statuses = append(req.Statuses, workflow.RunStatus(strings.ToLower(s)))
			}
			return runsList(cmd, args[0], req)
		},
	}

	cmd.Flags().StringVar(&workflowType, "type", "", "Filter by workflow type (deploy, destroy)")
	cmd.Flags().StringVar(&app, "app", "", "List the single-app runs of this app")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (new, pending, in_progress, succeeded, failed, cancelled)")
	cmd.Flags().BoolVar(&failed, "failed", false, "Show only failed runs (shorthand for --status failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")
	_ = cmd.RegisterFlagCompletionFunc("type", completion.CompleteWorkflowTypes)
	_ = cmd.RegisterFlagCompletionFunc("status", completion.CompleteRunStatus)

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var report, outputs bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show run details",
		Long: `Display a run and its jobs.

--report prints a Markdown summary including job outputs, suitable for
pasting into a change ticket. --outputs adds the output document each
job produced.`,
		Example: `  # Show run details
  rollout runs show 3f1c...

  # Check whether a run succeeded
  rollout runs show 3f1c... --json | jq -e '.status == "succeeded"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsShow(cmd, args[0], report, outputs)
		},
	}

	cmd.Flags().BoolVar(&report, "report", false, "Print a Markdown report of the run")
	cmd.Flags().BoolVar(&outputs, "outputs", false, "Print job outputs")

	return cmd
}

func newRunsGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <run-id>",
		Short: "Show a run's job dependency graph",
		Long: `Display a run's jobs grouped into dependency layers, with a timeline bar
for each job that has started.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsGraph(cmd, args[0])
		},
	}
}

func newRunsResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a failed or interrupted run",
		Long: `Resume continues a run from its unfinished jobs. Jobs that already
succeeded are not repeated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsControl(cmd, args[0], "resume", "Resumed", (*client.Client).Resume)
		},
	}
}

func newRunsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running run",
		Long:  `Cancel stops scheduling new jobs for a run and marks unfinished jobs cancelled.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsControl(cmd, args[0], "cancel", "Cancel requested for", (*client.Client).Cancel)
		},
	}
}

func runsList(cmd *cobra.Command, project string, req client.ListRunsRequest) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	runs, err := c.ListRuns(ctx, project, req)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if runs == nil {
			runs = []workflow.RunSummary{}
		}
		return shared.EmitJSONTo(out, runs)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-5s %-8s %-12s %-12s %-16s %s\n", "ID", "RUN", "TYPE", "APP", "STATUS", "BY", "CREATED")
	for _, r := range runs {
		app := r.AppID
		if app == "" {
			app = "-"
		}
		created := r.CreatedAt
		fmt.Fprintf(out, "%-36s %-5d %-8s %-12s %-12s %-16s %s\n",
			r.ID, r.RunNumber, r.WorkflowType, shared.Truncate(app, 12), r.Status,
			shared.Truncate(r.InitiatedBy, 16), shared.FormatTime(&created))
	}
	return nil
}

func runsShow(cmd *cobra.Command, id string, report, outputs bool) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	run, err := c.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSONTo(out, run)
	}

	if report {
		rendered, err := format.Markdown(format.RunReport(run, time.Now()), format.IsTTY())
		if err != nil {
			return err
		}
		fmt.Fprint(out, rendered)
		return nil
	}

	scope := run.ProjectID
	if run.AppID != "" {
		scope += "/" + run.AppID
	}
	fmt.Fprintf(out, "Run ID:     %s\n", run.ID)
	fmt.Fprintf(out, "Run:        %s #%d (%s)\n", run.WorkflowType, run.RunNumber, scope)
	fmt.Fprintf(out, "Status:     %s\n", shared.RenderRunStatus(run.Status))
	if run.StatusReason != "" {
		fmt.Fprintf(out, "Reason:     %s\n", format.Sanitize(run.StatusReason))
	}
	fmt.Fprintf(out, "By:         %s\n", run.InitiatedBy)
	fmt.Fprintf(out, "Started:    %s\n", shared.FormatTime(run.InitiatedAt))
	fmt.Fprintf(out, "Completed:  %s\n", shared.FormatTime(run.CompletedAt))
	fmt.Fprintln(out)
	shared.PrintJobs(out, run)

	if outputs {
		if err := printJobOutputs(out, run); err != nil {
			return err
		}
	}

	if run.Status == workflow.RunStatusFailed {
		fmt.Fprintf(out, "\nResume with: rollout runs resume %s\n", run.ID)
	}
	return nil
}

// printJobOutputs writes each job's outputs as JSON, highlighted on a terminal.
func printJobOutputs(out io.Writer, run *workflow.WorkflowRun) error {
	for _, job := range run.Jobs {
		if len(job.Outputs) == 0 {
			continue
		}
		rendered, err := format.Outputs(job.Outputs, format.IsTTY())
		if err != nil {
			return fmt.Errorf("job %d: %w", job.JobNumber, err)
		}
		fmt.Fprintf(out, "\nOutputs of job %d (%s):\n%s\n", job.JobNumber, job.Title, rendered)
	}
	return nil
}

func runsGraph(cmd *cobra.Command, id string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	g, err := c.Graph(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get graph: %w", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSONTo(out, g)
	}

	run, err := c.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	rendered, err := timeline.NewRenderer().Render(timeline.Header{
		WorkflowType: run.WorkflowType,
		RunNumber:    run.RunNumber,
		ProjectID:    run.ProjectID,
		AppID:        run.AppID,
		Status:       run.Status,
	}, g)
	if err != nil {
		return err
	}
	fmt.Fprint(out, rendered)
	return nil
}

type controlFunc func(*client.Client, context.Context, string) (*workflow.WorkflowRun, error)

func runsControl(cmd *cobra.Command, id, action, verb string, fn controlFunc) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	run, err := fn(c, ctx, id)
	if err != nil {
		return fmt.Errorf("failed to %s run: %w", action, err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSONTo(out, run)
	}
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%s %s run #%d (%s)", verb, run.WorkflowType, run.RunNumber, run.Status)))
	return nil
}
