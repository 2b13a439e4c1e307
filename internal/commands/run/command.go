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

// Package run implements the deploy and destroy commands.
package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/pkg/workflow"
)

// pollInterval is how often --wait refreshes the run.
var pollInterval = 2 * time.Second

type startOptions struct {
	app   string
	apps  []string
	where string
	wait  bool
	yes   bool
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand() *cobra.Command {
	return newStartCommand(workflow.WorkflowTypeDeploy)
}

// NewDestroyCommand creates the destroy command.
func NewDestroyCommand() *cobra.Command {
	return newStartCommand(workflow.WorkflowTypeDestroy)
}

func newStartCommand(t workflow.WorkflowType) *cobra.Command {
	var opts startOptions

	cmd := &cobra.Command{
		Args: cobra.ExactArgs(1),
		Annotations: map[string]string{
			"group": "execution",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, t, args[0], opts)
		},
	}

	switch t {
	case workflow.WorkflowTypeDeploy:
		cmd.Use = "deploy <project>"
		cmd.Aliases = []string{"install"}
		cmd.Short = "Deploy a project's apps"
		cmd.Long = `Deploy starts a run that provisions the project's common infrastructure
and then deploys the selected apps in parallel.

With no selection every app in the project is deployed. --app scopes the run
to a single app; such runs are numbered separately from whole-project runs.

See also: rollout runs show, rollout logs`
		cmd.Example = `  # Deploy every app
  rollout deploy shop

  # Deploy the web apps and wait for the run to finish
  rollout deploy shop --apps 'web-*' --wait

  # Deploy apps selected by configuration
  rollout deploy shop --where 'config.tier == "backend"'`
	case workflow.WorkflowTypeDestroy:
		cmd.Use = "destroy <project>"
		cmd.Aliases = []string{"uninstall"}
		cmd.Short = "Destroy a project's apps"
		cmd.Long = `Destroy starts a run that tears down the selected apps in parallel and
then removes the project's common infrastructure.

Destroy asks for confirmation unless --yes is given. Non-interactive sessions
must pass --yes.`
		cmd.Example = `  # Destroy one app without prompting
  rollout destroy shop --app web --yes`
	}

	cmd.Flags().StringVar(&opts.app, "app", "", "Scope the run to a single app")
	cmd.Flags().StringSliceVar(&opts.apps, "apps", nil, "Glob patterns selecting apps (repeatable)")
	cmd.Flags().StringVar(&opts.where, "where", "", "Expression over app id and config selecting apps")
	cmd.Flags().BoolVarP(&opts.wait, "wait", "w", false, "Wait for the run to finish")
	if t == workflow.WorkflowTypeDestroy {
		cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Skip the confirmation prompt")
	}
	cmd.MarkFlagsMutuallyExclusive("app", "apps")

	return cmd
}

func runStart(cmd *cobra.Command, t workflow.WorkflowType, project string, opts startOptions) error {
	out := cmd.OutOrStdout()

	if t == workflow.WorkflowTypeDestroy && !opts.yes {
		if shared.IsNonInteractive() || shared.GetJSON() {
			return shared.NewInvalidError("destroy requires --yes in non-interactive mode", nil)
		}
		ok, err := confirm(destroyPrompt(project, opts))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	req := client.StartRequest{AppID: opts.app, Apps: opts.apps, Where: opts.where}

	var run *workflow.WorkflowRun
	if t == workflow.WorkflowTypeDeploy {
		run, err = c.Deploy(ctx, project, req)
	} else {
		run, err = c.Destroy(ctx, project, req)
	}
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", t, err)
	}

	if !opts.wait {
		if shared.GetJSON() {
			return shared.EmitJSONTo(out, run)
		}
		printStarted(out, run)
		return nil
	}

	if !shared.GetJSON() {
		printStarted(out, run)
	}

	run, err = waitForRun(ctx, c, run, out)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		if err := shared.EmitJSONTo(out, run); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out)
		shared.PrintJobs(out, run)
	}

	return runResult(run)
}

// runResult maps a finished run to the command's exit status.
func runResult(run *workflow.WorkflowRun) error {
	switch run.Status {
	case workflow.RunStatusSucceeded:
		return nil
	case workflow.RunStatusCancelled:
		return shared.NewCancelledError(fmt.Sprintf("%s run #%d was cancelled", run.WorkflowType, run.RunNumber))
	default:
		msg := fmt.Sprintf("%s run #%d %s", run.WorkflowType, run.RunNumber, run.Status)
		if run.StatusReason != "" {
			msg += ": " + run.StatusReason
		}
		return shared.NewRunFailedError(msg, nil)
	}
}

func waitForRun(ctx context.Context, c *client.Client, run *workflow.WorkflowRun, out io.Writer) (*workflow.WorkflowRun, error) {
	var progress *shared.Progress
	if !shared.GetJSON() && !shared.GetQuiet() {
		progress = shared.NewProgress(out)
		progress.Start(run)
		defer progress.Stop()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for !run.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped waiting for run %s (the run continues on the server): %w", run.ID, ctx.Err())
		case <-ticker.C:
		}

		latest, err := c.GetRun(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh run: %w", err)
		}
		run = latest
		if progress != nil {
			progress.Observe(run)
		}
	}
	return run, nil
}

func printStarted(out io.Writer, run *workflow.WorkflowRun) {
	scope := run.ProjectID
	if run.AppID != "" {
		scope += "/" + run.AppID
	}
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Started %s run #%d for %s", run.WorkflowType, run.RunNumber, scope)))
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("run id:"), run.ID)
	fmt.Fprintf(out, "  %s %d\n", shared.RenderLabel("jobs:  "), len(run.Jobs))
}
