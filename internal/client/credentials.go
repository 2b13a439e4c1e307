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

package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/rollout/pkg/httpclient"
)

// keyringService is the service name used for keyring entries. Entries are
// keyed by server URL so one machine can hold tokens for several servers.
const keyringService = "rollout"

// ErrNoCredentials is returned when no token is stored for a server.
var ErrNoCredentials = errors.New("no stored credentials")

// ErrKeyringUnavailable is returned when the OS keyring cannot be reached.
var ErrKeyringUnavailable = errors.New("keyring unavailable")

// SaveToken stores a bearer token for server in the OS keyring.
func SaveToken(server, token string) error {
	if token == "" {
		return fmt.Errorf("token is empty")
	}
	if err := keyring.Set(keyringService, keyFor(server), token); err != nil {
		return keyringError(err)
	}
	return nil
}

// LoadToken returns the stored token for server.
func LoadToken(server string) (string, error) {
	token, err := keyring.Get(keyringService, keyFor(server))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNoCredentials
		}
		return "", keyringError(err)
	}
	return token, nil
}

// DeleteToken removes the stored token for server. Deleting a missing entry
// is not an error.
func DeleteToken(server string) error {
	if err := keyring.Delete(keyringService, keyFor(server)); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return keyringError(err)
	}
	return nil
}

// ResolveTokenSource returns the token source for server. An explicit token
// (flag or ROLLOUT_TOKEN) wins over the keyring. Nil means unauthenticated.
func ResolveTokenSource(server, explicit string) oauth2.TokenSource {
	if explicit != "" {
		return httpclient.StaticToken(explicit)
	}
	token, err := LoadToken(server)
	if err != nil {
		return nil
	}
	return httpclient.StaticToken(token)
}

// ClientCredentials describes an OAuth2 client credentials grant.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Exchange obtains an access token with the client credentials grant.
func (cc ClientCredentials) Exchange(ctx context.Context) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		TokenURL:     cc.TokenURL,
		Scopes:       cc.Scopes,
	}
	token, err := cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return token, nil
}

func keyFor(server string) string {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = DefaultServerURL
	}
	return server
}

func keyringError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{"locked", "dbus", "secret service", "permission denied", "cannot access"} {
		if strings.Contains(msg, indicator) {
			return fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
		}
	}
	return fmt.Errorf("keyring: %w", err)
}
