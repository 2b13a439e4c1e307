package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if client.Timeout != cfg.Timeout {
		t.Errorf("expected timeout %v, got %v", cfg.Timeout, client.Timeout)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }},
		{"zero backoff", func(c *Config) { c.RetryBackoff = 0 }},
		{"max below base", func(c *Config) { c.MaxBackoff = time.Millisecond }},
		{"no user agent", func(c *Config) { c.UserAgent = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_SetsHeaders(t *testing.T) {
	var userAgent, auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "rollout-test/1.0"
	cfg.TokenSource = StaticToken("s3cret")
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if userAgent != "rollout-test/1.0" {
		t.Errorf("User-Agent = %q", userAgent)
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestStaticToken_Empty(t *testing.T) {
	if StaticToken("") != nil {
		t.Error("expected nil token source for empty token")
	}
}
