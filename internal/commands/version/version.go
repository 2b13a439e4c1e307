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

package version

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/shared"
)

// serverTimeout bounds the server version lookup.
const serverTimeout = 5 * time.Second

// VersionInfo contains version metadata
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Output is the JSON shape of the version command.
type Output struct {
	Client      VersionInfo             `json:"client"`
	Server      *client.VersionResponse `json:"server,omitempty"`
	ServerError string                  `json:"server_error,omitempty"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var clientOnly bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display version, commit hash, and build date for rollout and, unless
--client-only is set, for the rolloutd server it talks to.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd, clientOnly)
		},
	}

	cmd.Flags().BoolVar(&clientOnly, "client-only", false, "Skip the server version lookup")
	return cmd
}

func runVersion(cmd *cobra.Command, clientOnly bool) error {
	v, c, b := shared.GetVersion()

	out := Output{
		Client: VersionInfo{
			Version:   v,
			Commit:    c,
			BuildDate: b,
			GoVersion: runtime.Version(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		},
	}

	if !clientOnly {
		server, err := serverVersion(cmd.Context())
		if err != nil {
			out.ServerError = err.Error()
		} else {
			out.Server = server
		}
	}

	if shared.GetJSON() {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("rollout version %s\n", out.Client.Version)
	cmd.Printf("  commit:     %s\n", out.Client.Commit)
	cmd.Printf("  build date: %s\n", out.Client.BuildDate)
	cmd.Printf("  go:         %s %s\n", out.Client.GoVersion, out.Client.Platform)

	switch {
	case out.Server != nil:
		cmd.Printf("%s version %s\n", out.Server.Name, out.Server.Version)
		if out.Server.Commit != "" {
			cmd.Printf("  commit:     %s\n", out.Server.Commit)
		}
		cmd.Printf("  go:         %s %s\n", out.Server.GoVersion, out.Server.Platform)
	case out.ServerError != "":
		cmd.Printf("server: unavailable (%s)\n", out.ServerError)
	}

	return nil
}

func serverVersion(ctx context.Context) (*client.VersionResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := shared.NewClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, serverTimeout)
	defer cancel()
	return c.Version(ctx)
}
