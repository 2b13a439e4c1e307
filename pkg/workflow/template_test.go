package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTemplate_Default(t *testing.T) {
	tmpl, err := ParseCommandTemplate("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCommandTemplate, tmpl.Source())

	args, err := tmpl.Render(CommandData{Action: ActionDestroy, JobID: "exec-1", JobNumber: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"destroy", "--job-id", "exec-1", "--job-number", "4"}, args)
}

func TestCommandTemplate_Custom(t *testing.T) {
	tmpl, err := ParseCommandTemplate("/opt/runner/bin/task {{.Action}} --project {{.ProjectID}} --job-id {{.JobID}} --job-number {{.JobNumber}}")
	require.NoError(t, err)

	args, err := tmpl.Render(CommandData{Action: ActionAbortWorkflow, ProjectID: "shop", JobID: "e", JobNumber: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/runner/bin/task", "abort-workflow", "--project", "shop", "--job-id", "e", "--job-number", "2"}, args)
}

func TestCommandTemplate_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"syntax", "{{.Action"},
		{"unknown field", "{{.Action}} --region {{.Region}}"},
		{"renders empty", "{{if false}}x{{end}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommandTemplate(tt.source)
			assert.Error(t, err)
		})
	}
}
