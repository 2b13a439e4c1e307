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
	"github.com/spf13/cobra"

	"github.com/tombee/rollout/pkg/workflow"
)

// SafeCompletionWrapper wraps a completion function with panic recovery.
// Returns empty completion list on panic or error.
func SafeCompletionWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}

// CompleteRunStatus provides completion for --status flag values.
func CompleteRunStatus(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		statuses := []string{
			string(workflow.RunStatusNew) + "\tRun was created but not started",
			string(workflow.RunStatusPending) + "\tRun is queued",
			string(workflow.RunStatusInProgress) + "\tRun is executing jobs",
			string(workflow.RunStatusSucceeded) + "\tEvery job succeeded",
			string(workflow.RunStatusFailed) + "\tA job failed",
			string(workflow.RunStatusCancelled) + "\tRun was cancelled",
		}
		return statuses, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteWorkflowTypes provides completion for --type flag values.
func CompleteWorkflowTypes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return []string{
			string(workflow.WorkflowTypeDeploy) + "\tCommon first, then apps",
			string(workflow.WorkflowTypeDestroy) + "\tApps first, then common",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
