package workflow

import (
	"fmt"
	"os"
	"regexp"

	"github.com/tombee/rollout/pkg/errors"
	"gopkg.in/yaml.v3"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Project is a deployable unit made of a shared common stack and apps.
// Projects are loaded from YAML manifests.
type Project struct {
	// ID is the project identifier used in API paths.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable project name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// CommandTemplate overrides the executor command template for this project.
	CommandTemplate string `yaml:"command_template,omitempty" json:"command_template,omitempty"`

	// MaxConcurrency caps in-flight app branches. Zero uses the daemon default.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// Common describes the prerequisite job shared by every app.
	Common CommonSpec `yaml:"common" json:"common"`

	// Apps are the independently deployable applications.
	Apps []App `yaml:"apps" json:"apps"`
}

// CommonSpec configures the common job.
type CommonSpec struct {
	Title   string            `yaml:"title,omitempty" json:"title,omitempty"`
	Config  map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// App is one deployable application inside a project.
type App struct {
	ID      string            `yaml:"id" json:"id"`
	Title   string            `yaml:"title,omitempty" json:"title,omitempty"`
	Config  map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// TaskSpec is what the definition builder needs to know about one job.
type TaskSpec struct {
	// Key identifies the job inside the definition ("common" or "app:<id>").
	Key string

	// Title is shown in job listings.
	Title string

	// AppID is set for app tasks.
	AppID string

	// Config is passed to the executor with every invocation.
	Config map[string]string

	// Outputs maps output names to jq queries over the executor's result document.
	Outputs map[string]string
}

// CommonKey is the job key of the common job.
const CommonKey = "common"

// AppKey returns the job key for an app.
func AppKey(appID string) string {
	return "app:" + appID
}

// App returns the app with the given id.
func (p *Project) App(id string) (App, bool) {
	for _, app := range p.Apps {
		if app.ID == id {
			return app, true
		}
	}
	return App{}, false
}

// CommonTask returns the task spec of the common job.
func (p *Project) CommonTask() TaskSpec {
	title := p.Common.Title
	if title == "" {
		title = "Common"
	}
	return TaskSpec{
		Key:     CommonKey,
		Title:   title,
		Config:  p.Common.Config,
		Outputs: p.Common.Outputs,
	}
}

// AppTasks returns task specs for the given app ids, in the given order.
func (p *Project) AppTasks(ids []string) ([]TaskSpec, error) {
	specs := make([]TaskSpec, 0, len(ids))
	for _, id := range ids {
		app, ok := p.App(id)
		if !ok {
			return nil, &errors.NotFoundError{Resource: "app", ID: id}
		}
		specs = append(specs, app.Task())
	}
	return specs, nil
}

// Task returns the task spec for the app.
func (a App) Task() TaskSpec {
	title := a.Title
	if title == "" {
		title = a.ID
	}
	return TaskSpec{
		Key:     AppKey(a.ID),
		Title:   title,
		AppID:   a.ID,
		Config:  a.Config,
		Outputs: a.Outputs,
	}
}

// Validate checks identifiers and uniqueness.
func (p *Project) Validate() error {
	if !identifierPattern.MatchString(p.ID) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid project id %q", p.ID),
			Suggestion: "use letters, digits, '.', '_' or '-'",
		}
	}
	if p.MaxConcurrency < 0 {
		return &errors.ValidationError{
			Field:   "max_concurrency",
			Message: fmt.Sprintf("must be >= 0, got %d", p.MaxConcurrency),
		}
	}
	seen := make(map[string]bool, len(p.Apps))
	for i, app := range p.Apps {
		if !identifierPattern.MatchString(app.ID) {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("apps[%d].id", i),
				Message: fmt.Sprintf("invalid app id %q", app.ID),
			}
		}
		if seen[app.ID] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("apps[%d].id", i),
				Message: fmt.Sprintf("duplicate app id %q", app.ID),
			}
		}
		seen[app.ID] = true
	}
	if p.CommandTemplate != "" {
		if _, err := ParseCommandTemplate(p.CommandTemplate); err != nil {
			return &errors.ValidationError{
				Field:   "command_template",
				Message: err.Error(),
			}
		}
	}
	return nil
}

// ParseProject decodes and validates a YAML project manifest.
func ParseProject(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "parsing project manifest")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProject reads a project manifest from disk.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading project manifest %s", path)
	}
	p, err := ParseProject(data)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return p, nil
}
