// Package workflow models deploy and destroy runs: the job status model,
// the two workflow shapes and the step graph the coordinator interprets.
//
// A Definition is a graph of steps. Each step is one of:
//
//   - *TaskStep: invokes the task executor with a command built from the
//     project's command template and succeeds or fails with the executor.
//   - *FanOutStep: runs an inner single-step workflow once per item with a
//     bounded number of branches in flight.
//   - *FailStep: a compensating invocation that always ends its branch.
//
// Definitions also carry the job plan: the jobs a run will track, their
// numbers and their dependencies.
package workflow

import "sort"

// Action is the verb passed to the task executor.
type Action string

const (
	ActionDeploy           Action = "deploy"
	ActionDestroy          Action = "destroy"
	ActionAbortWorkflow    Action = "abort-workflow"
	ActionCompleteWorkflow Action = "complete-workflow"
)

// StepKind discriminates the Step union.
type StepKind string

const (
	StepKindTask   StepKind = "task"
	StepKindFanOut StepKind = "fan_out"
	StepKindFail   StepKind = "fail"
)

// ItemJobKey is the placeholder job key used by fan-out iterators. The
// coordinator substitutes the current item's job key when it runs a branch.
const ItemJobKey = "$item"

// Step is one node of a workflow definition.
type Step interface {
	StepName() string
	Kind() StepKind
}

// TaskStep invokes the task executor once.
type TaskStep struct {
	Name   string
	Action Action

	// JobKey is the job this step updates. Empty for bookkeeping steps that
	// only touch the run.
	JobKey string

	// Next is the step that follows on success. Ignored when End is set.
	Next string

	// Catch names the FailStep that handles a failure of this step. With no
	// Catch a failure ends the branch.
	Catch string

	End bool
}

// FanOutStep runs Iterator once per item, at most MaxConcurrency at a time.
type FanOutStep struct {
	Name string

	// Items are the job keys the iterator runs for, in submission order.
	Items []string

	MaxConcurrency int

	// Iterator is the per-item workflow. Its task step uses ItemJobKey.
	Iterator *Definition

	Next string
	End  bool
}

// FailStep is a compensating step. Reaching it never re-raises: the branch
// that enters it terminates once it completes.
type FailStep struct {
	Name   string
	Action Action
}

func (s *TaskStep) StepName() string   { return s.Name }
func (s *TaskStep) Kind() StepKind     { return StepKindTask }
func (s *FanOutStep) StepName() string { return s.Name }
func (s *FanOutStep) Kind() StepKind   { return StepKindFanOut }
func (s *FailStep) StepName() string   { return s.Name }
func (s *FailStep) Kind() StepKind     { return StepKindFail }

// JobPlan describes a job a run will track.
type JobPlan struct {
	Key       string
	Number    int
	Title     string
	Type      JobType
	AppID     string
	Config    map[string]string
	Outputs   map[string]string
	DependsOn []string
}

// Definition is a directed graph of steps plus the jobs they update.
type Definition struct {
	Type    WorkflowType
	StartAt string
	Steps   map[string]Step

	// Jobs is the job plan, ordered by job number. Empty for iterators.
	Jobs []JobPlan
}

// Step returns the named step.
func (d *Definition) Step(name string) (Step, bool) {
	s, ok := d.Steps[name]
	return s, ok
}

// Job returns the job plan for key.
func (d *Definition) Job(key string) (JobPlan, bool) {
	for _, job := range d.Jobs {
		if job.Key == key {
			return job, true
		}
	}
	return JobPlan{}, false
}

// AppJobKeys returns the keys of app jobs in job-number order.
func (d *Definition) AppJobKeys() []string {
	var keys []string
	for _, job := range d.Jobs {
		if job.Type == JobTypeApp {
			keys = append(keys, job.Key)
		}
	}
	return keys
}

// JobNumbers returns the common job number and the app job numbers in
// submission order, as handed to the task executor.
func (d *Definition) JobNumbers() (common int, apps []int) {
	for _, job := range d.Jobs {
		if job.Type == JobTypeCommon {
			common = job.Number
		} else {
			apps = append(apps, job.Number)
		}
	}
	return common, apps
}

// StepNames returns step names sorted alphabetically.
func (d *Definition) StepNames() []string {
	names := make([]string, 0, len(d.Steps))
	for name := range d.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// successor returns the step name that follows s on success, or "" when s ends.
func successor(s Step) string {
	switch step := s.(type) {
	case *TaskStep:
		if step.End {
			return ""
		}
		return step.Next
	case *FanOutStep:
		if step.End {
			return ""
		}
		return step.Next
	default:
		return ""
	}
}
