package workflow

import (
	"fmt"
	"time"
)

// WorkflowType selects one of the two supported workflow shapes.
type WorkflowType string

const (
	WorkflowTypeDeploy  WorkflowType = "deploy"
	WorkflowTypeDestroy WorkflowType = "destroy"
)

// ParseWorkflowType converts user input into a WorkflowType.
// "install" and "uninstall" are accepted as aliases.
func ParseWorkflowType(s string) (WorkflowType, error) {
	switch s {
	case "deploy", "install":
		return WorkflowTypeDeploy, nil
	case "destroy", "uninstall":
		return WorkflowTypeDestroy, nil
	default:
		return "", fmt.Errorf("unknown workflow type %q (expected deploy or destroy)", s)
	}
}

// JobType distinguishes the shared prerequisite job from per-app jobs.
type JobType string

const (
	JobTypeCommon JobType = "common"
	JobTypeApp    JobType = "app"
)

// FailureKind records why a job failed. Business failures are final until a
// human triggers a new run; transport failures are eligible for redrive.
type FailureKind string

const (
	FailureKindNone      FailureKind = ""
	FailureKindBusiness  FailureKind = "business"
	FailureKindTransport FailureKind = "transport"
)

// WorkflowRun is one execution of a deploy or destroy workflow for a project,
// optionally scoped to a single app.
type WorkflowRun struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	RunNumber    int           `json:"run_number"`
	WorkflowType WorkflowType  `json:"workflow_type"`
	AppID        string        `json:"app_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	InitiatedBy  string        `json:"initiated_by"`
	InitiatedAt  *time.Time    `json:"initiated_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Status       RunStatus     `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`
	Jobs         []WorkflowJob `json:"jobs"`
}

// Summary returns the list-view projection of the run.
func (r *WorkflowRun) Summary() RunSummary {
	return RunSummary{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		RunNumber:    r.RunNumber,
		WorkflowType: r.WorkflowType,
		CreatedAt:    r.CreatedAt,
		InitiatedBy:  r.InitiatedBy,
		InitiatedAt:  r.InitiatedAt,
		CompletedAt:  r.CompletedAt,
		Status:       r.Status,
		StatusReason: r.StatusReason,
		AppID:        r.AppID,
	}
}

// Job returns the job with the given id, or nil.
func (r *WorkflowRun) Job(id string) *WorkflowJob {
	for i := range r.Jobs {
		if r.Jobs[i].ID == id {
			return &r.Jobs[i]
		}
	}
	return nil
}

// JobByNumber returns the job with the given job number, or nil.
func (r *WorkflowRun) JobByNumber(n int) *WorkflowJob {
	for i := range r.Jobs {
		if r.Jobs[i].JobNumber == n {
			return &r.Jobs[i]
		}
	}
	return nil
}

// Clone returns a deep copy with no aliasing to r.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	out := *r
	out.InitiatedAt = cloneTime(r.InitiatedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.Jobs = make([]WorkflowJob, len(r.Jobs))
	for i, job := range r.Jobs {
		out.Jobs[i] = job.Clone()
	}
	return &out
}

// RunSummary is the client-facing list view of a run.
type RunSummary struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"project_id"`
	RunNumber    int          `json:"run_number"`
	WorkflowType WorkflowType `json:"workflow_type"`
	CreatedAt    time.Time    `json:"created_at"`
	InitiatedBy  string       `json:"initiated_by"`
	InitiatedAt  *time.Time   `json:"initiated_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Status       RunStatus    `json:"status"`
	StatusReason string       `json:"status_reason,omitempty"`
	AppID        string       `json:"app_id,omitempty"`
}

// WorkflowJob is one step inside a run.
type WorkflowJob struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	JobNumber    int               `json:"job_number"`
	Title        string            `json:"title"`
	Type         JobType           `json:"job_type"`
	AppID        string            `json:"app_id,omitempty"`
	Status       JobStatus         `json:"status"`
	InitiatedAt  *time.Time        `json:"initiated_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	StatusReason string            `json:"status_reason"`
	FailureKind  FailureKind       `json:"failure_kind,omitempty"`
	Compensated  bool              `json:"compensated,omitempty"`
	Dependencies []string          `json:"dependencies"`
	Outputs      map[string]string `json:"outputs"`
}

// Clone returns a deep copy of the job.
func (j WorkflowJob) Clone() WorkflowJob {
	out := j
	out.InitiatedAt = cloneTime(j.InitiatedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.Dependencies = append([]string(nil), j.Dependencies...)
	if j.Outputs != nil {
		out.Outputs = make(map[string]string, len(j.Outputs))
		for k, v := range j.Outputs {
			out.Outputs[k] = v
		}
	}
	return out
}

// Duration returns how long the job ran, measured to now when it has not completed.
func (j WorkflowJob) Duration(now time.Time) time.Duration {
	if j.InitiatedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(*j.InitiatedAt) {
		return 0
	}
	return end.Sub(*j.InitiatedAt)
}

// ApplicationDeployment is the per-app lifecycle record for a project.
type ApplicationDeployment struct {
	ProjectID           string            `json:"project_id"`
	AppID               string            `json:"app_id"`
	Configuration       map[string]string `json:"configuration,omitempty"`
	LastDeployedVersion string            `json:"last_deployed_version,omitempty"`
	Status              AppStatus         `json:"status"`
	PreviousStatus      AppStatus         `json:"previous_status,omitempty"`
	LastRunID           string            `json:"last_run_id,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
