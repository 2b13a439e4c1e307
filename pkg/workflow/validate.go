package workflow

import (
	"fmt"
	"sort"

	"github.com/tombee/rollout/pkg/errors"
)

// Validate checks the step graph and the job plan. Violations are reported
// as *errors.GraphIntegrityError so that no run is ever created for a
// broken definition.
func (d *Definition) Validate() error {
	if err := d.validateJobs(); err != nil {
		return err
	}
	return d.validateSteps(d.jobKeys(), false)
}

func (d *Definition) jobKeys() map[string]bool {
	keys := make(map[string]bool, len(d.Jobs))
	for _, job := range d.Jobs {
		keys[job.Key] = true
	}
	return keys
}

func (d *Definition) validateJobs() error {
	keys := make(map[string]bool, len(d.Jobs))
	numbers := make(map[int]string, len(d.Jobs))
	for _, job := range d.Jobs {
		if job.Key == "" {
			return &errors.GraphIntegrityError{Reason: "job with empty key"}
		}
		if keys[job.Key] {
			return &errors.GraphIntegrityError{Reason: "duplicate job key", Nodes: []string{job.Key}}
		}
		keys[job.Key] = true
		if job.Number <= 0 {
			return &errors.GraphIntegrityError{
				Reason: fmt.Sprintf("job number must be positive, got %d", job.Number),
				Nodes:  []string{job.Key},
			}
		}
		if other, dup := numbers[job.Number]; dup {
			return &errors.GraphIntegrityError{
				Reason: fmt.Sprintf("duplicate job number %d", job.Number),
				Nodes:  []string{other, job.Key},
			}
		}
		numbers[job.Number] = job.Key
	}

	deps := make(map[string][]string, len(d.Jobs))
	for _, job := range d.Jobs {
		for _, dep := range job.DependsOn {
			if !keys[dep] {
				return &errors.GraphIntegrityError{
					Reason: fmt.Sprintf("job %s depends on unknown job", job.Key),
					Nodes:  []string{dep},
				}
			}
		}
		deps[job.Key] = job.DependsOn
	}

	if cycle := FindCycle(deps); len(cycle) > 0 {
		return &errors.GraphIntegrityError{Reason: "dependency cycle", Nodes: cycle}
	}
	return nil
}

func (d *Definition) validateSteps(jobs map[string]bool, iterator bool) error {
	if len(d.Steps) == 0 {
		return &errors.GraphIntegrityError{Reason: "definition has no steps"}
	}
	if _, ok := d.Steps[d.StartAt]; !ok {
		return &errors.GraphIntegrityError{Reason: "start step not found", Nodes: []string{d.StartAt}}
	}

	ref := func(from, to string) error {
		if _, ok := d.Steps[to]; !ok {
			return &errors.GraphIntegrityError{
				Reason: fmt.Sprintf("step %q references unknown step", from),
				Nodes:  []string{to},
			}
		}
		return nil
	}

	transitions := make(map[string][]string, len(d.Steps))
	for _, name := range d.StepNames() {
		step := d.Steps[name]
		if step.StepName() != name {
			return &errors.GraphIntegrityError{
				Reason: fmt.Sprintf("step registered as %q is named %q", name, step.StepName()),
			}
		}

		switch s := step.(type) {
		case *TaskStep:
			if s.JobKey != "" {
				known := jobs[s.JobKey] || (iterator && s.JobKey == ItemJobKey)
				if !known {
					return &errors.GraphIntegrityError{
						Reason: fmt.Sprintf("step %q updates unknown job", name),
						Nodes:  []string{s.JobKey},
					}
				}
			}
			if !s.End {
				if s.Next == "" {
					return &errors.GraphIntegrityError{Reason: "step has neither Next nor End", Nodes: []string{name}}
				}
				if err := ref(name, s.Next); err != nil {
					return err
				}
				transitions[name] = append(transitions[name], s.Next)
			}
			if s.Catch != "" {
				if err := ref(name, s.Catch); err != nil {
					return err
				}
				if _, ok := d.Steps[s.Catch].(*FailStep); !ok {
					return &errors.GraphIntegrityError{
						Reason: fmt.Sprintf("step %q catches into a non-fail step", name),
						Nodes:  []string{s.Catch},
					}
				}
				transitions[name] = append(transitions[name], s.Catch)
			}

		case *FanOutStep:
			if iterator {
				return &errors.GraphIntegrityError{Reason: "nested fan-out is not supported", Nodes: []string{name}}
			}
			if s.Iterator == nil {
				return &errors.GraphIntegrityError{Reason: "fan-out step has no iterator", Nodes: []string{name}}
			}
			if s.MaxConcurrency <= 0 {
				return &errors.GraphIntegrityError{
					Reason: fmt.Sprintf("fan-out max concurrency must be positive, got %d", s.MaxConcurrency),
					Nodes:  []string{name},
				}
			}
			for _, item := range s.Items {
				if !jobs[item] {
					return &errors.GraphIntegrityError{
						Reason: fmt.Sprintf("fan-out %q item is not a planned job", name),
						Nodes:  []string{item},
					}
				}
			}
			if err := s.Iterator.validateSteps(jobs, true); err != nil {
				return err
			}
			if !s.End {
				if s.Next == "" {
					return &errors.GraphIntegrityError{Reason: "step has neither Next nor End", Nodes: []string{name}}
				}
				if err := ref(name, s.Next); err != nil {
					return err
				}
				transitions[name] = append(transitions[name], s.Next)
			}

		case *FailStep:
			// Fail steps always end their branch.

		default:
			return &errors.GraphIntegrityError{Reason: fmt.Sprintf("unsupported step type %T", step), Nodes: []string{name}}
		}
	}

	if cycle := FindCycle(transitions); len(cycle) > 0 {
		return &errors.GraphIntegrityError{Reason: "step transition cycle", Nodes: cycle}
	}
	return nil
}

// FindCycle returns the nodes of one cycle in the directed graph described by
// edges (node -> successors), or nil when the graph is acyclic. Successors
// that are not keys of edges are treated as leaves.
func FindCycle(edges map[string][]string) []string {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(edges))
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range edges[node] {
			switch state[next] {
			case visiting:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return false
	}

	nodes := make([]string, 0, len(edges))
	for node := range edges {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if state[node] == unvisited && visit(node) {
			return cycle
		}
	}
	return nil
}
