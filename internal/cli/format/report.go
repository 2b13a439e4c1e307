package format

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tombee/rollout/pkg/workflow"
)

// RunReport builds a Markdown summary of a run: a header, a job table, and
// the outputs and failure reasons of each job.
func RunReport(run *workflow.WorkflowRun, now time.Time) string {
	var sb strings.Builder

	scope := run.ProjectID
	if run.AppID != "" {
		scope += "/" + run.AppID
	}
	fmt.Fprintf(&sb, "# %s run #%d: %s\n\n", run.WorkflowType, run.RunNumber, scope)
	fmt.Fprintf(&sb, "- **Status:** %s\n", run.Status)
	if run.StatusReason != "" {
		fmt.Fprintf(&sb, "- **Reason:** %s\n", escapeCell(Sanitize(run.StatusReason)))
	}
	fmt.Fprintf(&sb, "- **Initiated by:** %s\n", run.InitiatedBy)
	if run.InitiatedAt != nil {
		fmt.Fprintf(&sb, "- **Started:** %s\n", run.InitiatedAt.UTC().Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		fmt.Fprintf(&sb, "- **Completed:** %s\n", run.CompletedAt.UTC().Format(time.RFC3339))
	}

	sb.WriteString("\n| # | Job | Status | Duration |\n|---|-----|--------|----------|\n")
	for _, job := range run.Jobs {
		duration := "-"
		if d := job.Duration(now); d > 0 {
			duration = d.Round(time.Second).String()
		}
		fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n", job.JobNumber, escapeCell(job.Title), job.Status, duration)
	}

	for _, job := range run.Jobs {
		if len(job.Outputs) == 0 && (job.Status != workflow.JobStatusFailed || job.StatusReason == "") {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n", job.Title)
		if job.Status == workflow.JobStatusFailed && job.StatusReason != "" {
			fmt.Fprintf(&sb, "\n> %s\n", Sanitize(job.StatusReason))
		}
		if len(job.Outputs) > 0 {
			keys := make([]string, 0, len(job.Outputs))
			for k := range job.Outputs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			sb.WriteString("\n```yaml\n")
			for _, k := range keys {
				fmt.Fprintf(&sb, "%s: %q\n", k, Sanitize(job.Outputs[k]))
			}
			sb.WriteString("```\n")
		}
	}

	return sb.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
