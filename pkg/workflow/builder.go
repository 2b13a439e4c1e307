package workflow

import "fmt"

// DefaultMaxConcurrency caps in-flight fan-out branches when the caller
// passes no limit.
const DefaultMaxConcurrency = 40

// Step names shared by both workflow shapes.
const (
	StepRunCommon  = "Run Common"
	StepFailCommon = "Fail Run (common)"
	StepRunApps    = "Run Apps"
	StepRunApp     = "Run App"
	StepFailApp    = "Fail Run (app)"
	StepSucceedRun = "Succeed Run"
)

// BuildDeployWorkflow builds the deploy shape:
//
//	Run Common -> Run Apps (fan-out) -> Succeed Run
//
// A common failure routes to Fail Run (common) and ends the run before any
// app is attempted. An app failure routes only to that item's Fail Run (app).
// An empty app list leaves a fan-out with no items, which succeeds at once.
func BuildDeployWorkflow(common TaskSpec, apps []TaskSpec, concurrencyLimit int) (*Definition, error) {
	jobs := make([]JobPlan, 0, len(apps)+1)
	jobs = append(jobs, commonJob(common, 1, ActionDeploy, nil))
	for i, app := range apps {
		jobs = append(jobs, appJob(app, i+2, ActionDeploy, []string{CommonKey}))
	}

	def := &Definition{
		Type:    WorkflowTypeDeploy,
		StartAt: StepRunCommon,
		Steps: map[string]Step{
			StepRunCommon: &TaskStep{
				Name:   StepRunCommon,
				Action: ActionDeploy,
				JobKey: CommonKey,
				Next:   StepRunApps,
				Catch:  StepFailCommon,
			},
			StepFailCommon: &FailStep{Name: StepFailCommon, Action: ActionAbortWorkflow},
			StepRunApps:    fanOut(ActionDeploy, appKeys(apps), concurrencyLimit, StepSucceedRun),
			StepSucceedRun: succeedRun(),
		},
		Jobs: jobs,
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// BuildDestroyWorkflow builds the destroy shape, the mirror of deploy:
//
//	Run Apps (fan-out) -> Run Common -> Succeed Run
//
// One app's teardown failure does not block the others, and the common
// teardown runs once the fan-out as a whole has been attempted.
func BuildDestroyWorkflow(common TaskSpec, apps []TaskSpec, concurrencyLimit int) (*Definition, error) {
	jobs := make([]JobPlan, 0, len(apps)+1)
	keys := appKeys(apps)
	for i, app := range apps {
		jobs = append(jobs, appJob(app, i+1, ActionDestroy, nil))
	}
	jobs = append(jobs, commonJob(common, len(apps)+1, ActionDestroy, keys))

	def := &Definition{
		Type:    WorkflowTypeDestroy,
		StartAt: StepRunApps,
		Steps: map[string]Step{
			StepRunApps: fanOut(ActionDestroy, keys, concurrencyLimit, StepRunCommon),
			StepRunCommon: &TaskStep{
				Name:   StepRunCommon,
				Action: ActionDestroy,
				JobKey: CommonKey,
				Next:   StepSucceedRun,
				Catch:  StepFailCommon,
			},
			StepFailCommon: &FailStep{Name: StepFailCommon, Action: ActionAbortWorkflow},
			StepSucceedRun: succeedRun(),
		},
		Jobs: jobs,
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// BuildWorkflow dispatches on the workflow type.
func BuildWorkflow(t WorkflowType, common TaskSpec, apps []TaskSpec, concurrencyLimit int) (*Definition, error) {
	switch t {
	case WorkflowTypeDeploy:
		return BuildDeployWorkflow(common, apps, concurrencyLimit)
	case WorkflowTypeDestroy:
		return BuildDestroyWorkflow(common, apps, concurrencyLimit)
	default:
		return nil, fmt.Errorf("unknown workflow type %q", t)
	}
}

func fanOut(action Action, items []string, limit int, next string) *FanOutStep {
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	return &FanOutStep{
		Name:           StepRunApps,
		Items:          items,
		MaxConcurrency: limit,
		Iterator: &Definition{
			Type:    WorkflowType(action),
			StartAt: StepRunApp,
			Steps: map[string]Step{
				StepRunApp: &TaskStep{
					Name:   StepRunApp,
					Action: action,
					JobKey: ItemJobKey,
					Catch:  StepFailApp,
					End:    true,
				},
				StepFailApp: &FailStep{Name: StepFailApp, Action: ActionAbortWorkflow},
			},
		},
		Next: next,
	}
}

func succeedRun() *TaskStep {
	return &TaskStep{Name: StepSucceedRun, Action: ActionCompleteWorkflow, End: true}
}

func commonJob(spec TaskSpec, number int, action Action, deps []string) JobPlan {
	return JobPlan{
		Key:       CommonKey,
		Number:    number,
		Title:     jobTitle(action, spec.Title, "Common"),
		Type:      JobTypeCommon,
		Config:    spec.Config,
		Outputs:   spec.Outputs,
		DependsOn: deps,
	}
}

func appJob(spec TaskSpec, number int, action Action, deps []string) JobPlan {
	key := spec.Key
	if key == "" {
		key = AppKey(spec.AppID)
	}
	return JobPlan{
		Key:       key,
		Number:    number,
		Title:     jobTitle(action, spec.Title, spec.AppID),
		Type:      JobTypeApp,
		AppID:     spec.AppID,
		Config:    spec.Config,
		Outputs:   spec.Outputs,
		DependsOn: deps,
	}
}

func appKeys(apps []TaskSpec) []string {
	keys := make([]string, len(apps))
	for i, app := range apps {
		keys[i] = app.Key
		if keys[i] == "" {
			keys[i] = AppKey(app.AppID)
		}
	}
	return keys
}

func jobTitle(action Action, title, fallback string) string {
	if title == "" {
		title = fallback
	}
	if action == ActionDestroy {
		return "Destroy " + title
	}
	return "Deploy " + title
}
