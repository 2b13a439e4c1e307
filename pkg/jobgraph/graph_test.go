package jobgraph

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
)

func job(id string, number int, deps ...string) workflow.WorkflowJob {
	return workflow.WorkflowJob{
		ID:           id,
		JobNumber:    number,
		Title:        "job " + id,
		Status:       workflow.JobStatusNew,
		Dependencies: deps,
	}
}

func TestBuild_DeployShape(t *testing.T) {
	jobs := []workflow.WorkflowJob{
		job("api", 2, "common"),
		job("common", 1),
		job("web", 3, "common"),
		job("worker", 4, "common"),
	}

	g, err := Build(jobs)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"common"}, {"api", "web", "worker"}}, g.Layers)
	assert.Equal(t, 3, g.MaxOutgoingEdges)
	assert.Len(t, g.Edges, 3)
	assert.Contains(t, g.Edges, Edge{From: "common", To: "web"})
	assert.Equal(t, "common", g.Nodes[0].ID, "nodes are ordered by job number")
}

func TestBuild_DestroyShape(t *testing.T) {
	jobs := []workflow.WorkflowJob{
		job("api", 1),
		job("web", 2),
		job("common", 3, "api", "web"),
	}

	g, err := Build(jobs)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"api", "web"}, {"common"}}, g.Layers)
	assert.Equal(t, 1, g.MaxOutgoingEdges)
}

func TestBuild_LongestPath(t *testing.T) {
	// a -> b -> c and a -> c: c must sit below b, not beside it.
	jobs := []workflow.WorkflowJob{
		job("a", 1),
		job("b", 2, "a"),
		job("c", 3, "a", "b"),
	}

	g, err := Build(jobs)
	require.NoError(t, err)

	c, ok := g.Node("c")
	require.True(t, ok)
	assert.Equal(t, 2, c.Layer)
	assert.Equal(t, 2, g.MaxOutgoingEdges)
}

func TestBuild_UnknownDependency(t *testing.T) {
	jobs := []workflow.WorkflowJob{
		job("api", 2, "common"),
		job("web", 3, "common"),
	}

	g, err := Build(jobs)
	require.NoError(t, err)

	assert.Empty(t, g.Edges)
	assert.Equal(t, [][]string{{"api", "web"}}, g.Layers)
	api, _ := g.Node("api")
	assert.Equal(t, []string{"common"}, api.Unresolved)
	assert.Equal(t, 0, g.MaxOutgoingEdges)

	// Once the job is reported the edge appears.
	g, err = Build(append(jobs, job("common", 1)))
	require.NoError(t, err)
	assert.Len(t, g.Edges, 2)
	assert.Equal(t, [][]string{{"common"}, {"api", "web"}}, g.Layers)
}

func TestBuild_Cycle(t *testing.T) {
	jobs := []workflow.WorkflowJob{
		job("a", 1, "c"),
		job("b", 2, "a"),
		job("c", 3, "b"),
		job("d", 4),
	}

	_, err := Build(jobs)
	var gie *errors.GraphIntegrityError
	require.ErrorAs(t, err, &gie)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, gie.Nodes)
}

func TestBuild_DuplicateID(t *testing.T) {
	_, err := Build([]workflow.WorkflowJob{job("a", 1), job("a", 2)})
	var gie *errors.GraphIntegrityError
	assert.ErrorAs(t, err, &gie)
}

func TestBuild_Empty(t *testing.T) {
	g, err := Build(nil)
	require.NoError(t, err)
	assert.Empty(t, g.Nodes)
	assert.Empty(t, g.Layers)
	assert.Equal(t, 0, g.MaxOutgoingEdges)
}

func TestBuild_Timing(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	now := start.Add(5 * time.Minute)

	done := job("done", 1)
	done.Status = workflow.JobStatusSucceeded
	done.InitiatedAt = &start
	done.CompletedAt = &end

	running := job("running", 2, "done")
	running.Status = workflow.JobStatusInProgress
	running.InitiatedAt = &start

	g, err := Build([]workflow.WorkflowJob{done, running}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	n, _ := g.Node("done")
	assert.Equal(t, 90*time.Second, n.Duration)
	assert.Equal(t, workflow.JobStatusSucceeded, n.Status)
	n, _ = g.Node("running")
	assert.Equal(t, 5*time.Minute, n.Duration)
}

func TestBuild_TopologicalSoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(25)
		jobs := make([]workflow.WorkflowJob, n)
		for i := 0; i < n; i++ {
			jobs[i] = job(fmt.Sprintf("j%d", i), i+1)
			// Only depend on lower indices so the graph stays acyclic.
			for d := 0; d < i; d++ {
				if rng.Float64() < 0.2 {
					jobs[i].Dependencies = append(jobs[i].Dependencies, fmt.Sprintf("j%d", d))
				}
			}
			if rng.Float64() < 0.1 {
				jobs[i].Dependencies = append(jobs[i].Dependencies, "missing")
			}
		}
		rng.Shuffle(n, func(i, j int) { jobs[i], jobs[j] = jobs[j], jobs[i] })

		g, err := Build(jobs)
		require.NoError(t, err)

		layers := make(map[string]int, n)
		for _, node := range g.Nodes {
			layers[node.ID] = node.Layer
		}
		outDegree := make(map[string]int)
		for _, e := range g.Edges {
			assert.Less(t, layers[e.From], layers[e.To], "trial %d: edge %s -> %s", trial, e.From, e.To)
			outDegree[e.From]++
		}

		maxOut := 0
		for _, d := range outDegree {
			if d > maxOut {
				maxOut = d
			}
		}
		assert.Equal(t, maxOut, g.MaxOutgoingEdges)

		total := 0
		for _, layer := range g.Layers {
			assert.NotEmpty(t, layer)
			total += len(layer)
		}
		assert.Equal(t, n, total)
	}
}
