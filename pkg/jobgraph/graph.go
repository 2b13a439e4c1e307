// Package jobgraph lays out a run's jobs as a layered dependency graph for
// rendering. Graphs are derived on demand from a job list and never stored.
package jobgraph

import (
	"sort"
	"time"

	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

// Node is one job in the graph.
type Node struct {
	ID          string             `json:"id"`
	JobNumber   int                `json:"job_number"`
	Label       string             `json:"label"`
	Type        workflow.JobType   `json:"job_type"`
	Status      workflow.JobStatus `json:"status"`
	InitiatedAt *time.Time         `json:"initiated_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Duration    time.Duration      `json:"duration"`

	// Layer is the length of the longest dependency path ending at this node.
	Layer int `json:"layer"`

	// Unresolved lists dependency ids that did not match any job.
	Unresolved []string `json:"unresolved,omitempty"`
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the layered view of a run.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	// Layers holds node ids per layer, each ordered by job number.
	Layers [][]string `json:"layers"`

	// MaxOutgoingEdges is the largest out-degree of any node.
	MaxOutgoingEdges int `json:"max_outgoing_edges"`
}

// Option configures Build.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for the duration of unfinished jobs.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Build creates the graph for jobs. Dependencies that do not resolve to a
// job in the list produce no edge, so a partially reported run still lays
// out. A dependency cycle is a *errors.GraphIntegrityError.
func Build(jobs []workflow.WorkflowJob, opts ...Option) (*Graph, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	now := o.now()

	ordered := make([]workflow.WorkflowJob, len(jobs))
	copy(ordered, jobs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].JobNumber < ordered[j].JobNumber
	})

	g := &Graph{
		Nodes:  make([]Node, 0, len(ordered)),
		Edges:  []Edge{},
		Layers: [][]string{},
	}
	index := make(map[string]int, len(ordered))
	for _, job := range ordered {
		if _, dup := index[job.ID]; dup {
			return nil, &errors.GraphIntegrityError{Reason: "duplicate job id", Nodes: []string{job.ID}}
		}
		index[job.ID] = len(g.Nodes)
		g.Nodes = append(g.Nodes, Node{
			ID:          job.ID,
			JobNumber:   job.JobNumber,
			Label:       label(job),
			Type:        job.Type,
			Status:      job.Status,
			InitiatedAt: job.InitiatedAt,
			CompletedAt: job.CompletedAt,
			Duration:    job.Duration(now),
		})
	}

	outgoing := make(map[string][]string, len(ordered))
	incoming := make(map[string]int, len(ordered))
	for _, job := range ordered {
		seen := make(map[string]bool, len(job.Dependencies))
		for _, dep := range job.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := index[dep]; !ok {
				n := &g.Nodes[index[job.ID]]
				n.Unresolved = append(n.Unresolved, dep)
				continue
			}
			g.Edges = append(g.Edges, Edge{From: dep, To: job.ID})
			outgoing[dep] = append(outgoing[dep], job.ID)
			incoming[job.ID]++
		}
	}

	if err := g.assignLayers(outgoing, incoming, index); err != nil {
		return nil, err
	}

	for _, targets := range outgoing {
		if len(targets) > g.MaxOutgoingEdges {
			g.MaxOutgoingEdges = len(targets)
		}
	}
	return g, nil
}

// assignLayers runs Kahn's algorithm in job-number order, pushing each
// dependent one layer past its deepest dependency.
func (g *Graph) assignLayers(outgoing map[string][]string, incoming map[string]int, index map[string]int) error {
	remaining := make(map[string]int, len(incoming))
	for id, n := range incoming {
		remaining[id] = n
	}

	var queue []string
	for _, n := range g.Nodes {
		if remaining[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		layer := g.Nodes[index[id]].Layer
		for _, next := range outgoing[id] {
			n := &g.Nodes[index[next]]
			if layer+1 > n.Layer {
				n.Layer = layer + 1
			}
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(g.Nodes) {
		var stuck []string
		for _, n := range g.Nodes {
			if remaining[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return &errors.GraphIntegrityError{Reason: "dependency cycle", Nodes: stuck}
	}

	for _, n := range g.Nodes {
		for len(g.Layers) <= n.Layer {
			g.Layers = append(g.Layers, nil)
		}
		g.Layers[n.Layer] = append(g.Layers[n.Layer], n.ID)
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

func label(job workflow.WorkflowJob) string {
	if job.Title != "" {
		return job.Title
	}
	if job.AppID != "" {
		return job.AppID
	}
	return string(job.Type)
}
