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
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tombee/rollout/pkg/workflow"
)

var progressFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Progress reports a run while the CLI waits for it. On a terminal it
// redraws one status line; otherwise it prints each job once as it finishes
// so CI logs stay readable.
type Progress struct {
	mu       sync.Mutex
	out      io.Writer
	animate  bool
	started  time.Time
	line     string
	frame    int
	reported map[string]bool
	stop     chan struct{}
	stopped  chan struct{}
}

// NewProgress returns a Progress writing to out. Animation is used only when
// out is a terminal.
func NewProgress(out io.Writer) *Progress {
	animate := false
	if f, ok := out.(*os.File); ok {
		animate = term.IsTerminal(int(f.Fd()))
	}
	return &Progress{out: out, animate: animate, reported: map[string]bool{}}
}

// Start shows the initial state of run.
func (p *Progress) Start(run *workflow.WorkflowRun) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.started = time.Now()
	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})
	p.observe(run)

	if !p.animate {
		close(p.stopped)
		return
	}
	go p.tick()
}

// Observe records a newer snapshot of the run.
func (p *Progress) Observe(run *workflow.WorkflowRun) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return
	}
	select {
	case <-p.stop:
		return
	default:
	}
	p.observe(run)
}

// Stop ends the display and returns how long the run was watched.
func (p *Progress) Stop() time.Duration {
	p.mu.Lock()
	if p.stop == nil {
		p.mu.Unlock()
		return 0
	}
	select {
	case <-p.stop:
		p.mu.Unlock()
		return time.Since(p.started)
	default:
	}
	close(p.stop)
	p.mu.Unlock()

	<-p.stopped
	if p.animate {
		fmt.Fprint(p.out, "\r\033[K")
	}
	return time.Since(p.started)
}

// observe must be called with mu held.
func (p *Progress) observe(run *workflow.WorkflowRun) {
	p.line = ProgressLine(run)
	if p.animate {
		p.render()
		return
	}
	for _, job := range run.Jobs {
		if !job.Status.IsTerminal() || p.reported[job.ID] {
			continue
		}
		p.reported[job.ID] = true
		fmt.Fprintf(p.out, "  #%d %s: %s\n", job.JobNumber, job.Title, job.Status)
	}
}

func (p *Progress) tick() {
	defer close(p.stopped)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.frame = (p.frame + 1) % len(progressFrames)
			p.render()
			p.mu.Unlock()
		}
	}
}

// render must be called with mu held.
func (p *Progress) render() {
	frame := progressFrames[p.frame]
	if !ColorEnabled() {
		frame = "..."
	}
	fmt.Fprintf(p.out, "\r\033[K%s %s %s", Muted.Render(frame), p.line, Muted.Render("("+formatElapsed(time.Since(p.started))+")"))
}

// ProgressLine summarizes how far a run has got.
func ProgressLine(run *workflow.WorkflowRun) string {
	var finished, failed int
	for _, job := range run.Jobs {
		if job.Status.IsTerminal() {
			finished++
		}
		if job.Status == workflow.JobStatusFailed {
			failed++
		}
	}
	line := fmt.Sprintf("%s run #%d: %d/%d jobs finished", run.WorkflowType, run.RunNumber, finished, len(run.Jobs))
	if failed > 0 {
		line += fmt.Sprintf(", %d failed", failed)
	}
	return line
}

// formatElapsed renders d as "12s" or "1m 23s".
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m, s := int(d.Minutes()), int(d.Seconds())%60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
