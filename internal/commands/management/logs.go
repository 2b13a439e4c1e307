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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tombee/rollout/internal/cli/format"
	"github.com/tombee/rollout/internal/commands/completion"
	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/internal/logrelay"
	"github.com/tombee/rollout/pkg/workflow"
)

// NewLogsCommand creates the logs command.
func NewLogsCommand() *cobra.Command {
	var (
		workflowType string
		app          string
	)

	cmd := &cobra.Command{
		Use: "logs <project> <run-number> <job-number>",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Follow a job's logs",
		Long: `Logs streams the output of one job until the job finishes.

A finished job's log is replayed in full. If the connection drops, logs
reconnects after a fixed back-off (30s by default, see ROLLOUT_LOG_RETRY_BACKOFF)
and lines already shown may repeat. Press Ctrl-C to stop following.`,
		Example: `  # Follow job 2 of deploy run 7
  rollout logs shop 7 2

  # Follow a single-app destroy run
  rollout logs shop 3 1 --type destroy --app web`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := workflow.ParseWorkflowType(workflowType)
			if err != nil {
				return shared.NewInvalidError("invalid --type", err)
			}
			runNumber, err := strconv.Atoi(args[1])
			if err != nil || runNumber < 1 {
				return shared.NewInvalidError(fmt.Sprintf("invalid run number %q", args[1]), nil)
			}
			jobNumber, err := strconv.Atoi(args[2])
			if err != nil || jobNumber < 1 {
				return shared.NewInvalidError(fmt.Sprintf("invalid job number %q", args[2]), nil)
			}

			return followLogs(cmd, logrelay.Target{
				ProjectID:    args[0],
				WorkflowType: t,
				AppID:        app,
				RunNumber:    runNumber,
				JobNumber:    jobNumber,
			})
		},
	}

	cmd.Flags().StringVar(&workflowType, "type", "deploy", "Workflow type of the run (deploy, destroy)")
	cmd.Flags().StringVar(&app, "app", "", "App of a single-app run")
	cmd.ValidArgsFunction = completion.CompleteLogArgs
	_ = cmd.RegisterFlagCompletionFunc("type", completion.CompleteWorkflowTypes)

	return cmd
}

func followLogs(cmd *cobra.Command, target logrelay.Target) error {
	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	var final workflow.JobStatus
	relay := c.Relay(logrelay.WithObserver(func(ev logrelay.Event) {
		switch ev.Kind {
		case logrelay.EventDone:
			final = ev.Status
		case logrelay.EventRetryable:
			if !shared.GetQuiet() {
				fmt.Fprintln(errOut, shared.RenderWarn(fmt.Sprintf("log stream interrupted (%v), reconnecting in %s", ev.Err, ev.RetryIn)))
			}
		}
	}))

	enc := json.NewEncoder(out)
	listener := func(l logrelay.Line) {
		if shared.GetJSON() {
			_ = enc.Encode(l)
			return
		}
		fmt.Fprintln(out, format.Sanitize(l.Text))
	}

	outcome, err := relay.Subscribe(ctx, target, listener)
	if err != nil {
		return fmt.Errorf("failed to follow logs: %w", err)
	}

	switch outcome {
	case logrelay.OutcomeCancelled:
		return nil
	case logrelay.OutcomeDone:
		if !shared.GetJSON() && !shared.GetQuiet() {
			fmt.Fprintln(errOut, shared.Muted.Render(fmt.Sprintf("job %d finished: %s", target.JobNumber, final)))
		}
		if final == workflow.JobStatusFailed {
			return shared.NewRunFailedError(fmt.Sprintf("job %d failed", target.JobNumber), nil)
		}
	}
	return nil
}
