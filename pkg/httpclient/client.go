package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// New creates a new HTTP client with the given configuration.
//
// Returns an error if the configuration is invalid.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseTransport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: Wrap(baseTransport, cfg),
		Timeout:   cfg.Timeout,
	}, nil
}

// Wrap layers logging, auth and retry around base. Streaming callers use it
// with a client that has no overall Timeout.
func Wrap(base http.RoundTripper, cfg Config) http.RoundTripper {
	var rt http.RoundTripper = newLoggingTransport(base, cfg.UserAgent)

	if cfg.TokenSource != nil {
		rt = &oauth2.Transport{Source: cfg.TokenSource, Base: rt}
	}

	if cfg.RetryAttempts > 0 {
		rt = newRetryTransport(rt, cfg)
	}
	return rt
}

// StaticToken returns a TokenSource for a fixed bearer token, or nil when
// token is empty.
func StaticToken(token string) oauth2.TokenSource {
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}
