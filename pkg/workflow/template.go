package workflow

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DefaultCommandTemplate renders "<action> --job-id <jobId> --job-number <n>".
const DefaultCommandTemplate = "{{.Action}} --job-id {{.JobID}} --job-number {{.JobNumber}}"

// CommandData is the data available to a command template.
type CommandData struct {
	Action    Action
	ProjectID string
	RunID     string
	// JobID identifies the execution at the task executor; it is shared by
	// every task of a run.
	JobID     string
	JobNumber int
	AppID     string
}

// CommandTemplate renders executor commands.
type CommandTemplate struct {
	source string
	tmpl   *template.Template
}

// ParseCommandTemplate parses and dry-runs a command template so that unknown
// fields and syntax errors surface before anything is submitted.
func ParseCommandTemplate(source string) (*CommandTemplate, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultCommandTemplate
	}
	tmpl, err := template.New("command").Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid command template: %w", err)
	}
	ct := &CommandTemplate{source: source, tmpl: tmpl}

	if _, err := ct.Render(CommandData{
		Action:    ActionDeploy,
		ProjectID: "project",
		RunID:     "run",
		JobID:     "job",
		JobNumber: 1,
	}); err != nil {
		return nil, err
	}
	return ct, nil
}

// Source returns the template text.
func (t *CommandTemplate) Source() string {
	return t.source
}

// Render executes the template and splits the result into argv fields.
func (t *CommandTemplate) Render(data CommandData) ([]string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("invalid command template: %w", err)
	}
	args := strings.Fields(buf.String())
	if len(args) == 0 {
		return nil, fmt.Errorf("invalid command template: renders an empty command")
	}
	return args, nil
}
