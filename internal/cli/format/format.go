// Package format renders run reports and job outputs for the terminal.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

const (
	maxReportSize  = 5 * 1024 * 1024
	maxOutputsSize = 2 * 1024 * 1024

	reportWrap = 100
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Sanitize removes ANSI escape sequences. Job outputs and status reasons come
// from deployment tooling and are sanitized before any styling is applied.
func Sanitize(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// Markdown renders a Markdown document for a terminal. Without a terminal,
// or if rendering fails, the source is returned unchanged.
func Markdown(doc string, tty bool) (string, error) {
	if len(doc) > maxReportSize {
		return "", fmt.Errorf("report is %d bytes, limit is %d", len(doc), maxReportSize)
	}
	if !tty {
		return doc, nil
	}

	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(reportWrap))
	if err != nil {
		return doc, nil
	}
	rendered, err := renderer.Render(doc)
	if err != nil {
		return doc, nil
	}
	return rendered, nil
}

// Outputs renders a job's output map as indented JSON, highlighted on a
// terminal. Values are sanitized first.
func Outputs(outputs map[string]string, tty bool) (string, error) {
	clean := make(map[string]string, len(outputs))
	for k, v := range outputs {
		clean[Sanitize(k)] = Sanitize(v)
	}
	data, err := json.MarshalIndent(clean, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode outputs: %w", err)
	}
	if len(data) > maxOutputsSize {
		return "", fmt.Errorf("outputs are %d bytes, limit is %d", len(data), maxOutputsSize)
	}
	if !tty {
		return string(data), nil
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, string(data), "json", "terminal256", "monokai"); err != nil {
		return string(data), nil
	}
	return buf.String(), nil
}
