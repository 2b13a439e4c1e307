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

// Package login implements the login and logout commands.
package login

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/rollout/internal/client"
	"github.com/tombee/rollout/internal/commands/shared"
	"github.com/tombee/rollout/internal/config"
)

// readSecret reads a token from the terminal without echo. Tests replace it.
var readSecret = func(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// stdinIsTerminal reports whether stdin is interactive. Tests replace it.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// NewLoginCommand creates the login command.
func NewLoginCommand() *cobra.Command {
	var (
		clientID     string
		clientSecret string
		tokenURL     string
		scopes       []string
	)

	cmd := &cobra.Command{
		Use: "login",
		Annotations: map[string]string{
			"group": "setup",
		},
		Short: "Store credentials for a rolloutd server",
		Long: `Login stores a bearer token for the server in the OS keyring and records
the server as the default in settings.yaml.

The token is read from stdin when it is piped, prompted for otherwise, or
obtained with an OAuth2 client credentials grant when --client-id is given.
The client secret may come from ROLLOUT_CLIENT_SECRET.`,
		Example: `  # Prompt for a token
  rollout login --server https://rollout.example.com

  # Pipe a token
  vault read -field=token secret/rollout | rollout login

  # Exchange client credentials
  rollout login --client-id ci --token-url https://idp.example.com/oauth/token --scopes runs:write`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientSecret == "" {
				clientSecret = os.Getenv("ROLLOUT_CLIENT_SECRET")
			}
			if clientID != "" && (tokenURL == "" || clientSecret == "") {
				return shared.NewInvalidError("--client-id requires --token-url and a client secret", nil)
			}

			cfg, err := shared.ClientConfig()
			if err != nil {
				return err
			}

			var token string
			if clientID != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				tok, err := client.ClientCredentials{
					TokenURL:     tokenURL,
					ClientID:     clientID,
					ClientSecret: clientSecret,
					Scopes:       scopes,
				}.Exchange(ctx)
				if err != nil {
					return err
				}
				token = tok.AccessToken
			} else {
				token, err = readToken(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			if err := client.SaveToken(cfg.ServerURL, token); err != nil {
				return fmt.Errorf("failed to store token: %w", err)
			}
			server := cfg.ServerURL
			if err := config.UpdateSettings(shared.GetConfigPath(), func(c *config.ClientConfig) {
				c.ServerURL = server
			}); err != nil {
				return fmt.Errorf("failed to save settings: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Logged in to "+server))
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth2 client id for the client credentials grant")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth2 client secret (prefer ROLLOUT_CLIENT_SECRET)")
	cmd.Flags().StringVar(&tokenURL, "token-url", "", "OAuth2 token endpoint")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "OAuth2 scopes to request")

	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use: "logout",
		Annotations: map[string]string{
			"group": "setup",
		},
		Short: "Remove stored credentials for a rolloutd server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.ClientConfig()
			if err != nil {
				return err
			}
			if err := client.DeleteToken(cfg.ServerURL); err != nil {
				return fmt.Errorf("failed to remove token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Logged out of "+cfg.ServerURL))
			return nil
		},
	}
}

func readToken(in io.Reader) (string, error) {
	var token string
	if stdinIsTerminal() {
		if shared.IsNonInteractive() {
			return "", shared.NewInvalidError("no token on stdin in non-interactive mode", nil)
		}
		t, err := readSecret("Token: ")
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		token = t
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		token = line
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", shared.NewInvalidError("token is empty", nil)
	}
	return token, nil
}
