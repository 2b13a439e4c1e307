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

package shared

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ciProviders maps an environment variable to the CI system that sets it.
var ciProviders = []struct {
	env, name string
}{
	{"GITHUB_ACTIONS", "github-actions"},
	{"GITLAB_CI", "gitlab"},
	{"CIRCLECI", "circleci"},
	{"BUILDKITE", "buildkite"},
	{"JENKINS_URL", "jenkins"},
	{"TF_BUILD", "azure-pipelines"},
	{"CI", "ci"},
}

var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsNonInteractive reports whether rollout must not prompt. Prompts are
// disabled by ROLLOUT_NON_INTERACTIVE, inside a CI system, or when stdin is
// not a terminal.
func IsNonInteractive() bool {
	if enabled(os.Getenv("ROLLOUT_NON_INTERACTIVE")) {
		return true
	}
	if ciProvider() != "" {
		return true
	}
	return !stdinIsTerminal()
}

// ciProvider returns the name of the detected CI system, or "".
func ciProvider() string {
	for _, p := range ciProviders {
		if enabled(os.Getenv(p.env)) {
			return p.name
		}
	}
	return ""
}

// enabled treats any value other than empty, "0" or "false" as set.
// JENKINS_URL and similar variables carry a URL rather than a boolean.
func enabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false":
		return false
	}
	return true
}
