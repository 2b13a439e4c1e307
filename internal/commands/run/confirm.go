// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package run

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
)

// confirm asks a yes/no question. Tests replace it.
var confirm = func(title string) (bool, error) {
	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative("Destroy").
				Negative("Cancel").
				Value(&ok),
		),
	).Run()
	if err == huh.ErrUserAborted {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirmation failed: %w", err)
	}
	return ok, nil
}

func destroyPrompt(project string, opts startOptions) string {
	switch {
	case opts.app != "":
		return fmt.Sprintf("Destroy app %s in project %s?", opts.app, project)
	case len(opts.apps) > 0 || opts.where != "":
		var parts []string
		if len(opts.apps) > 0 {
			parts = append(parts, strings.Join(opts.apps, ", "))
		}
		if opts.where != "" {
			parts = append(parts, "where "+opts.where)
		}
		return fmt.Sprintf("Destroy apps matching %s in project %s?", strings.Join(parts, " "), project)
	default:
		return fmt.Sprintf("Destroy every app and the common infrastructure of project %s?", project)
	}
}
