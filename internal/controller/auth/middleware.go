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

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/rollout/internal/config"
)

// Config configures the bearer middleware.
type Config struct {
	Enabled bool
	JWT     JWTConfig

	// PublicPaths are served without a token.
	PublicPaths []string

	Logger *slog.Logger
}

// FromSettings maps the auth section of the daemon configuration.
func FromSettings(cfg config.AuthConfig) Config {
	return Config{
		Enabled: cfg.Enabled,
		JWT: JWTConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.Issuer,
			Audience: cfg.Audience,
		},
	}
}

// Middleware rejects requests without a valid bearer JWT.
type Middleware struct {
	cfg    Config
	public map[string]bool
	logger *slog.Logger
}

// NewMiddleware creates a Middleware. /v1/health and /metrics are always
// public.
func NewMiddleware(cfg Config) *Middleware {
	public := map[string]bool{"/v1/health": true, "/metrics": true}
	for _, p := range cfg.PublicPaths {
		public[p] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{cfg: cfg, public: public, logger: logger}
}

type claimsKey struct{}

// ClaimsFromContext returns the verified claims of the request, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// Wrap returns next guarded by token verification.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}
		claims, err := ValidateJWT(token, m.cfg.JWT)
		if err != nil {
			m.logger.Debug("rejected bearer token", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
			unauthorized(w, "invalid bearer token")
			return
		}

		scope := ScopeRead
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			scope = ScopeWrite
		}
		if !claims.Allows(scope) {
			writeJSONError(w, http.StatusForbidden, "token lacks scope "+scope)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// bearerToken extracts the token from the Authorization header. Tokens in
// query parameters are not accepted.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="rolloutd"`)
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
