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

// Package timeline renders a run's dependency graph as an ASCII timeline,
// one section per layer.
package timeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tombee/rollout/pkg/jobgraph"
	"github.com/tombee/rollout/pkg/workflow"
)

const (
	// MinTerminalWidth is the narrowest layout the renderer produces
	MinTerminalWidth = 72
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 20
	// StatusIconOK indicates successful completion
	StatusIconOK = "✓"
	// StatusIconError indicates failure
	StatusIconError = "✗"
	// StatusIconSkipped marks skipped or cancelled jobs
	StatusIconSkipped = "-"
	// StatusIconRunning marks jobs still in progress
	StatusIconRunning = "…"
	// StatusIconPending marks jobs not yet started
	StatusIconPending = "○"

	nameWidth = 28
)

// Renderer renders ASCII timelines from job graphs.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a renderer sized to the terminal. Output that is not a
// terminal gets a 100 column layout.
func NewRenderer() *Renderer {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width = 100
	}
	return NewRendererWidth(width)
}

// NewRendererWidth creates a renderer for a fixed width.
func NewRendererWidth(width int) *Renderer {
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	// Format: "│ #n name ██░░ duration status │"
	barWidth := width - 16 - nameWidth
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &Renderer{
		Width:    width,
		BarWidth: barWidth,
	}
}

// Header describes the run being rendered.
type Header struct {
	WorkflowType workflow.WorkflowType
	RunNumber    int
	ProjectID    string
	AppID        string
	Status       workflow.RunStatus
}

func (h Header) String() string {
	scope := h.ProjectID
	if h.AppID != "" {
		scope += "/" + h.AppID
	}
	// A Caser keeps state, so each call gets its own.
	caser := cases.Title(language.English)
	s := fmt.Sprintf("%s run #%d  %s", caser.String(string(h.WorkflowType)), h.RunNumber, scope)
	if h.Status != "" {
		s += "  (" + caser.String(strings.ReplaceAll(string(h.Status), "_", " ")) + ")"
	}
	return s
}

// Render generates an ASCII timeline from a job graph.
func (r *Renderer) Render(h Header, g *jobgraph.Graph) (string, error) {
	if g == nil || len(g.Nodes) == 0 {
		return "", fmt.Errorf("no jobs to render")
	}

	minTime, maxTime := bounds(g.Nodes)
	total := maxTime.Sub(minTime)

	var sb strings.Builder
	border := strings.Repeat("─", r.Width-2)
	inner := r.Width - 4

	sb.WriteString("┌" + border + "┐\n")
	sb.WriteString(fmt.Sprintf("│ %-*s │\n", inner, truncate(h.String(), inner)))
	sb.WriteString(fmt.Sprintf("│ %-*s │\n", inner, truncate("Total: "+formatDuration(total), inner)))

	for i, layer := range g.Layers {
		sb.WriteString("├" + border + "┤\n")
		sb.WriteString(fmt.Sprintf("│ %-*s │\n", inner, fmt.Sprintf("Layer %d", i)))
		for _, id := range layer {
			n, ok := g.Node(id)
			if !ok {
				continue
			}
			sb.WriteString(r.renderNode(n, minTime, total, inner))
			if deps := dependencyNumbers(g, n.ID); deps != "" {
				sb.WriteString(fmt.Sprintf("│ %-*s │\n", inner, truncate("    after "+deps, inner)))
			}
		}
	}

	sb.WriteString("└" + border + "┘\n")
	sb.WriteString(fmt.Sprintf("Layers: %d  Jobs: %d  Max fan-out: %d\n", len(g.Layers), len(g.Nodes), g.MaxOutgoingEdges))

	return sb.String(), nil
}

// renderNode generates a timeline line for a single job.
func (r *Renderer) renderNode(n jobgraph.Node, minTime time.Time, total time.Duration, inner int) string {
	bar := make([]rune, r.BarWidth)
	for i := range bar {
		bar[i] = '░'
	}

	if n.InitiatedAt != nil && total > 0 {
		startPos := int(float64(n.InitiatedAt.Sub(minTime)) / float64(total) * float64(r.BarWidth))
		barLength := int(float64(n.Duration) / float64(total) * float64(r.BarWidth))
		if barLength < 1 {
			barLength = 1
		}
		if startPos >= r.BarWidth {
			startPos = r.BarWidth - 1
		}
		if startPos+barLength > r.BarWidth {
			barLength = r.BarWidth - startPos
		}
		for i := startPos; i < startPos+barLength; i++ {
			bar[i] = '█'
		}
	} else if n.InitiatedAt != nil {
		bar[0] = '█'
	}

	duration := "-"
	if n.InitiatedAt != nil {
		duration = formatDuration(n.Duration)
	}

	name := truncate(fmt.Sprintf("#%d %s", n.JobNumber, n.Label), nameWidth)
	line := fmt.Sprintf("%-*s %s %7s %s", nameWidth, name, string(bar), duration, statusIcon(n.Status))
	return fmt.Sprintf("│ %-*s │\n", inner, truncate(line, inner))
}

func dependencyNumbers(g *jobgraph.Graph, id string) string {
	var deps []string
	for _, e := range g.Edges {
		if e.To != id {
			continue
		}
		if from, ok := g.Node(e.From); ok {
			deps = append(deps, fmt.Sprintf("#%d", from.JobNumber))
		}
	}
	return strings.Join(deps, ", ")
}

func statusIcon(s workflow.JobStatus) string {
	switch s {
	case workflow.JobStatusSucceeded:
		return StatusIconOK
	case workflow.JobStatusFailed:
		return StatusIconError
	case workflow.JobStatusSkipped, workflow.JobStatusCancelled:
		return StatusIconSkipped
	case workflow.JobStatusInProgress:
		return StatusIconRunning
	default:
		return StatusIconPending
	}
}

// bounds finds the earliest start and latest end across started jobs.
func bounds(nodes []jobgraph.Node) (time.Time, time.Time) {
	var minTime, maxTime time.Time
	for _, n := range nodes {
		if n.InitiatedAt == nil {
			continue
		}
		end := n.InitiatedAt.Add(n.Duration)
		if minTime.IsZero() || n.InitiatedAt.Before(minTime) {
			minTime = *n.InitiatedAt
		}
		if end.After(maxTime) {
			maxTime = end
		}
	}
	return minTime, maxTime
}

// truncate shortens a string to maxLen runes with ellipsis if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}
