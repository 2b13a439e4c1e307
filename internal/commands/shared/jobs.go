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

package shared

import (
	"fmt"
	"io"
	"time"

	"github.com/tombee/rollout/internal/cli/format"
	"github.com/tombee/rollout/pkg/workflow"
)

// PrintJobs writes the job table of a run.
func PrintJobs(out io.Writer, run *workflow.WorkflowRun) {
	fmt.Fprintf(out, "%-4s %-36s %-16s %s\n", "#", "JOB", "STATUS", "DURATION")
	now := time.Now()
	for _, job := range run.Jobs {
		duration := "-"
		if d := job.Duration(now); d > 0 {
			duration = d.Round(time.Second).String()
		}
		fmt.Fprintf(out, "%-4d %-36s %-16s %s\n", job.JobNumber, Truncate(job.Title, 36), RenderJobStatus(job.Status), duration)
		if job.Status == workflow.JobStatusFailed && job.StatusReason != "" {
			fmt.Fprintf(out, "     %s\n", Muted.Render(format.Sanitize(job.StatusReason)))
		}
	}
}

// Truncate shortens s to n bytes with an ellipsis.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// FormatTime renders an optional timestamp in local time, or "-".
func FormatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
