package workflow

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/tombee/rollout/pkg/errors"
)

// Selector picks the apps a run targets. Patterns are doublestar globs over
// app ids; Where is an optional boolean expression over id, title and config.
// An empty selector selects every app.
type Selector struct {
	Patterns []string `json:"apps,omitempty"`
	Where    string   `json:"where,omitempty"`
}

// Select returns matching app ids in project order.
func (s Selector) Select(apps []App) ([]string, error) {
	for _, pattern := range s.Patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &errors.ValidationError{
				Field:      "apps",
				Message:    fmt.Sprintf("invalid app pattern %q", pattern),
				Suggestion: "use glob syntax such as 'api' or 'web-*'",
			}
		}
	}

	var where func(App) (bool, error)
	if s.Where != "" {
		program, err := expr.Compile(s.Where, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, &errors.ValidationError{
				Field:      "where",
				Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
				Suggestion: "use comparisons such as config.tier == \"web\"",
			}
		}
		where = func(app App) (bool, error) {
			config := app.Config
			if config == nil {
				config = map[string]string{}
			}
			out, err := expr.Run(program, map[string]any{
				"id":     app.ID,
				"title":  app.Title,
				"config": config,
			})
			if err != nil {
				return false, &errors.ValidationError{
					Field:   "where",
					Message: fmt.Sprintf("expression evaluation failed for app %s: %s", app.ID, err.Error()),
				}
			}
			matched, _ := out.(bool)
			return matched, nil
		}
	}

	var selected []string
	for _, app := range apps {
		if !s.matchID(app.ID) {
			continue
		}
		if where != nil {
			ok, err := where(app)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		selected = append(selected, app.ID)
	}

	if len(selected) == 0 && (len(s.Patterns) > 0 || s.Where != "") {
		return nil, &errors.ValidationError{
			Field:   "apps",
			Message: "selector matched no apps",
		}
	}
	return selected, nil
}

func (s Selector) matchID(id string) bool {
	if len(s.Patterns) == 0 {
		return true
	}
	for _, pattern := range s.Patterns {
		if ok, _ := doublestar.Match(pattern, id); ok {
			return true
		}
	}
	return false
}
