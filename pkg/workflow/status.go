package workflow

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunStatusNew indicates the run exists but has no jobs yet.
	RunStatusNew RunStatus = "new"
	// RunStatusPending indicates the run was accepted and no job has been scheduled.
	RunStatusPending RunStatus = "pending"
	// RunStatusInProgress indicates at least one job is scheduled or can still run.
	RunStatusInProgress RunStatus = "in_progress"
	// RunStatusSucceeded indicates every job succeeded or was skipped.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed indicates a job failed and nothing left can still succeed.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled externally.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a single job.
type JobStatus string

const (
	JobStatusNew        JobStatus = "new"
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	// JobStatusSkipped marks a job that was never scheduled because an
	// ancestor failed and it has no failure-handling role.
	JobStatusSkipped JobStatus = "skipped"
)

// IsTerminal reports whether the job has finished, one way or another.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusSkipped:
		return true
	default:
		return false
	}
}

// FailurePolicy decides how failed app jobs affect the run status.
type FailurePolicy string

const (
	// FailurePolicyFail fails the run when any job fails.
	FailurePolicyFail FailurePolicy = "fail"
	// FailurePolicyTolerateAppFailures fails the run only when the common
	// job fails; per-app failures stay itemized on their jobs.
	FailurePolicyTolerateAppFailures FailurePolicy = "tolerate_app_failures"
)

// Valid reports whether p is a known policy. The empty policy is valid and
// behaves like FailurePolicyFail.
func (p FailurePolicy) Valid() bool {
	switch p {
	case "", FailurePolicyFail, FailurePolicyTolerateAppFailures:
		return true
	default:
		return false
	}
}

// DeriveRunStatus computes a run's status from its job list alone.
// The result depends only on the jobs and the policy.
func DeriveRunStatus(jobs []WorkflowJob, policy FailurePolicy) RunStatus {
	if len(jobs) == 0 {
		return RunStatusNew
	}

	var newCount, cancelled int
	failedCommon, failedApp := false, false
	for _, job := range jobs {
		switch job.Status {
		case JobStatusPending, JobStatusInProgress:
			return RunStatusInProgress
		case JobStatusNew:
			newCount++
		case JobStatusCancelled:
			cancelled++
		case JobStatusFailed:
			if job.Type == JobTypeApp {
				failedApp = true
			} else {
				failedCommon = true
			}
		}
	}

	switch {
	case newCount == len(jobs):
		return RunStatusPending
	case newCount > 0:
		return RunStatusInProgress
	case cancelled > 0:
		return RunStatusCancelled
	case failedCommon:
		return RunStatusFailed
	case failedApp && policy != FailurePolicyTolerateAppFailures:
		return RunStatusFailed
	default:
		return RunStatusSucceeded
	}
}

// AppStatus is the per-app lifecycle status of an ApplicationDeployment.
type AppStatus string

const (
	AppStatusNew             AppStatus = "new"
	AppStatusPending         AppStatus = "pending"
	AppStatusInstalling      AppStatus = "installing"
	AppStatusInstalled       AppStatus = "installed"
	AppStatusUpdating        AppStatus = "updating"
	AppStatusInstallFailed   AppStatus = "install_failed"
	AppStatusUpdateFailed    AppStatus = "update_failed"
	AppStatusUninstalling    AppStatus = "uninstalling"
	AppStatusUninstallFailed AppStatus = "uninstall_failed"
	AppStatusUninstalled     AppStatus = "uninstalled"
	AppStatusUnknown         AppStatus = "unknown"
)

// isDeployed reports whether the app had a successful install before.
func (s AppStatus) isDeployed() bool {
	switch s {
	case AppStatusInstalled, AppStatusUpdating, AppStatusUpdateFailed:
		return true
	default:
		return false
	}
}

// AppStatusForStart returns the status an app enters when its job starts.
// previous is the status before the run marked the app pending.
func AppStatusForStart(t WorkflowType, previous AppStatus) AppStatus {
	if t == WorkflowTypeDestroy {
		return AppStatusUninstalling
	}
	if previous.isDeployed() {
		return AppStatusUpdating
	}
	return AppStatusInstalling
}

// AppStatusForSuccess returns the status after the app's job succeeded.
func AppStatusForSuccess(t WorkflowType) AppStatus {
	if t == WorkflowTypeDestroy {
		return AppStatusUninstalled
	}
	return AppStatusInstalled
}

// AppStatusForFailure returns the status after the app's job failed.
func AppStatusForFailure(t WorkflowType, previous AppStatus) AppStatus {
	if t == WorkflowTypeDestroy {
		return AppStatusUninstallFailed
	}
	if previous.isDeployed() {
		return AppStatusUpdateFailed
	}
	return AppStatusInstallFailed
}
