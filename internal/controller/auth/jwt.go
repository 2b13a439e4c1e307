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

// Package auth verifies bearer JWTs on the rolloutd API.
package auth

import (
	"crypto/ed25519"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes understood by the API. A token without scopes may do everything.
const (
	ScopeRead  = "runs:read"
	ScopeWrite = "runs:write"
)

// JWTConfig contains JWT verification configuration.
type JWTConfig struct {
	// Secret is the HS256 key. Either Secret or PublicKey must be set.
	Secret []byte

	// PublicKey verifies EdDSA tokens.
	PublicKey ed25519.PublicKey

	// PrivateKey signs EdDSA tokens. Only needed to mint tokens.
	PrivateKey ed25519.PrivateKey

	// Issuer is the expected issuer claim.
	Issuer string

	// Audience is the expected audience claim.
	Audience string

	// ClockSkew allows for clock skew when validating exp/nbf claims.
	ClockSkew time.Duration
}

// Claims are the JWT claims rolloutd reads.
type Claims struct {
	jwt.RegisteredClaims

	// Scopes limits what the token can do.
	Scopes []string `json:"scopes,omitempty"`
}

// Principal names the caller for run attribution.
func (c *Claims) Principal() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// Allows reports whether the token grants scope.
func (c *Claims) Allows(scope string) bool {
	if c == nil {
		return false
	}
	if len(c.Scopes) == 0 {
		return true
	}
	if scope == ScopeRead && slices.Contains(c.Scopes, ScopeWrite) {
		return true
	}
	return slices.Contains(c.Scopes, scope)
}

// ValidateJWT validates a token and returns its claims.
func ValidateJWT(tokenString string, cfg JWTConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			if len(cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires secret key")
			}
			return cfg.Secret, nil
		case jwt.SigningMethodEdDSA.Alg():
			if cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires public key")
			}
			return cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// GenerateJWT signs claims. Tokens expire after 24 hours unless claims say
// otherwise.
func GenerateJWT(claims Claims, cfg JWTConfig) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	if cfg.Issuer != "" && claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	if cfg.Audience != "" && len(claims.Audience) == 0 {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	var (
		signed string
		err    error
	)
	switch {
	case cfg.PrivateKey != nil:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(cfg.PrivateKey)
	case len(cfg.Secret) > 0:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	default:
		return "", fmt.Errorf("no signing key configured")
	}
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
