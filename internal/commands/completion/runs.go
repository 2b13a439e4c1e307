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

package completion

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/pkg/workflow"
)

const (
	runCacheTTL       = 2 * time.Second
	controllerTimeout = 500 * time.Millisecond
	completionLimit   = 50
)

// runCacheEntry holds cached run summaries for one project and type.
type runCacheEntry struct {
	runs      []workflow.RunSummary
	expiresAt time.Time
}

var (
	runCache   = map[string]runCacheEntry{}
	runCacheMu sync.Mutex
)

// newClient is replaced in tests.
var newClient = shared.NewClient

// CompleteLogArgs completes the positional arguments of
// "logs <project> <run-number> <job-number>". Run numbers come from the
// project's recent runs and job numbers from the selected run.
func CompleteLogArgs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		wt := workflow.WorkflowTypeDeploy
		if cmd != nil {
			if v, err := cmd.Flags().GetString("type"); err == nil && v != "" {
				parsed, err := workflow.ParseWorkflowType(v)
				if err != nil {
					return nil, cobra.ShellCompDirectiveNoFileComp
				}
				wt = parsed
			}
		}

		switch len(args) {
		case 1:
			return runNumberCompletions(args[0], wt), cobra.ShellCompDirectiveNoFileComp
		case 2:
			return jobNumberCompletions(args[0], wt, args[1]), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	})
}

func runNumberCompletions(project string, wt workflow.WorkflowType) []string {
	runs, err := getRuns(project, wt)
	if err != nil {
		return nil
	}

	completions := make([]string, 0, len(runs))
	for _, r := range runs {
		completions = append(completions, strconv.Itoa(r.RunNumber)+"\t"+string(r.Status))
	}
	return completions
}

func jobNumberCompletions(project string, wt workflow.WorkflowType, runNumber string) []string {
	n, err := strconv.Atoi(runNumber)
	if err != nil {
		return nil
	}
	runs, err := getRuns(project, wt)
	if err != nil {
		return nil
	}

	var runID string
	for _, r := range runs {
		if r.RunNumber == n {
			runID = r.ID
			break
		}
	}
	if runID == "" {
		return nil
	}

	c, err := newClient()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controllerTimeout)
	defer cancel()

	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return nil
	}

	completions := make([]string, 0, len(run.Jobs))
	for _, j := range run.Jobs {
		completions = append(completions, strconv.Itoa(j.JobNumber)+"\t"+j.Title+" ("+string(j.Status)+")")
	}
	return completions
}

// getRuns fetches recent runs for a project with caching.
func getRuns(project string, wt workflow.WorkflowType) ([]workflow.RunSummary, error) {
	key := project + "/" + string(wt)

	runCacheMu.Lock()
	entry, ok := runCache[key]
	runCacheMu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.runs, nil
	}

	c, err := newClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), controllerTimeout)
	defer cancel()

	runs, err := c.ListRuns(ctx, project, client.ListRunsRequest{WorkflowType: wt, Limit: completionLimit})
	if err != nil {
		return nil, err
	}

	runCacheMu.Lock()
	runCache[key] = runCacheEntry{runs: runs, expiresAt: time.Now().Add(runCacheTTL)}
	runCacheMu.Unlock()
	return runs, nil
}

func resetRunCache() {
	runCacheMu.Lock()
	runCache = map[string]runCacheEntry{}
	runCacheMu.Unlock()
}
