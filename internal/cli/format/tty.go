package format

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// IsTTY reports whether stdout should receive terminal formatting.
//
// ROLLOUT_COLOR=always|never overrides detection. Otherwise NO_COLOR, a dumb
// or empty TERM, or a redirected stdout disable it.
func IsTTY() bool {
	switch strings.ToLower(os.Getenv("ROLLOUT_COLOR")) {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if t := os.Getenv("TERM"); t == "" || t == "dumb" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
