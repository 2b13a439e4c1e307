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

// Package config loads rolloutd and rollout configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	rollouterrors "github.com/tombee/rollout/pkg/errors"
	"github.com/tombee/rollout/pkg/workflow"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete rollout configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Backend       BackendConfig       `yaml:"backend"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Projects      ProjectsConfig      `yaml:"projects"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
	Client        ClientConfig        `yaml:"client"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the minimum level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line to entries.
	AddSource bool `yaml:"add_source"`
}

// ServerConfig configures the rolloutd HTTP listener.
type ServerConfig struct {
	// Addr is the TCP listen address.
	Addr string `yaml:"addr"`

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout is how long to wait for in-flight requests on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures bearer-token authentication on the API.
type AuthConfig struct {
	// Enabled requires a valid JWT on every request except health.
	Enabled bool `yaml:"enabled"`

	// JWTSecret is the HMAC secret used to verify tokens.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer,omitempty"`

	// Audience, when set, must appear in the token's aud claim.
	Audience string `yaml:"audience,omitempty"`
}

// BackendConfig configures the storage backend.
type BackendConfig struct {
	// Type is "memory", "sqlite" or "postgres".
	Type string `yaml:"type"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	// Path is the database file.
	Path string `yaml:"path,omitempty"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// ConnectionString is the PostgreSQL connection URL.
	ConnectionString string `yaml:"connection_string,omitempty"`

	MaxOpenConns           int `yaml:"max_open_conns,omitempty"`
	MaxIdleConns           int `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime_seconds,omitempty"`
}

// ExecutorConfig configures the task executor the coordinator drives.
type ExecutorConfig struct {
	// Type is "shell" or "remote".
	Type string `yaml:"type"`

	Shell  ShellExecutorConfig  `yaml:"shell,omitempty"`
	Remote RemoteExecutorConfig `yaml:"remote,omitempty"`

	// TaskTimeout bounds a single task invocation. Zero means no limit.
	TaskTimeout time.Duration `yaml:"task_timeout,omitempty"`

	// Retry bounds transport retries per task.
	Retry RetryConfig `yaml:"retry"`

	// Rate paces task submissions across all runs.
	Rate RateConfig `yaml:"rate"`
}

// ShellExecutorConfig configures the local process executor.
type ShellExecutorConfig struct {
	// Program receives the rendered command as arguments. When empty the
	// first rendered word is the program.
	Program string `yaml:"program,omitempty"`

	// WorkDir is the working directory of task processes.
	WorkDir string `yaml:"work_dir,omitempty"`

	// Env is appended to the daemon's environment for every task.
	Env []string `yaml:"env,omitempty"`
}

// RemoteExecutorConfig configures the HTTP task runner executor.
type RemoteExecutorConfig struct {
	// URL is the base URL of the task runner.
	URL string `yaml:"url,omitempty"`

	// Token is sent as a bearer token.
	Token string `yaml:"token,omitempty"`

	// PollInterval is how often task status is polled.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// RetryConfig bounds transport retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// RateConfig is a token bucket. PerSecond <= 0 disables pacing.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// WorkflowConfig configures run execution.
type WorkflowConfig struct {
	// MaxConcurrency caps in-flight app branches per fan-out.
	MaxConcurrency int `yaml:"max_concurrency"`

	// CommandTemplate is the default executor command template.
	CommandTemplate string `yaml:"command_template,omitempty"`

	// PartialFailurePolicy is "fail" or "tolerate_app_failures".
	PartialFailurePolicy string `yaml:"partial_failure_policy"`

	// ResumeInterrupted re-drives runs left in flight by a previous process.
	ResumeInterrupted bool `yaml:"resume_interrupted"`
}

// ProjectsConfig configures where project manifests are loaded from.
type ProjectsConfig struct {
	Dir   string `yaml:"dir,omitempty"`
	Watch bool   `yaml:"watch"`
}

// EventsConfig configures the NATS run event publisher. Events are disabled
// when NATSURL is empty.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name,omitempty"`
	ServiceVersion string  `yaml:"service_version,omitempty"`
	SampleRate     float64 `yaml:"sample_rate,omitempty"`

	// Exporters configures span export destinations.
	Exporters []ExporterConfig `yaml:"exporters,omitempty"`
}

// ExporterConfig defines a span export destination.
type ExporterConfig struct {
	// Type is "otlp", "otlp-http" or "console".
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	Insecure bool              `yaml:"insecure,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`

	// CACert is a PEM file used to verify the collector.
	CACert string `yaml:"ca_cert,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ClientConfig configures the rollout CLI.
type ClientConfig struct {
	// ServerURL is the rolloutd base URL.
	ServerURL string `yaml:"server_url"`

	// Token is a bearer token. The OS keyring is used when empty.
	Token string `yaml:"token,omitempty"`

	// Timeout bounds non-streaming API calls.
	Timeout time.Duration `yaml:"timeout"`

	// LogRetryBackoff is the fixed delay before a log stream reconnects.
	LogRetryBackoff time.Duration `yaml:"log_retry_backoff"`

	// LogMaxRetries bounds log stream reconnects. Zero retries forever.
	LogMaxRetries int `yaml:"log_max_retries,omitempty"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8420",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Backend: BackendConfig{
			Type: "memory",
			SQLite: SQLiteConfig{
				Path: filepath.Join(defaultDataDir(), "rollout.db"),
			},
			Postgres: PostgresConfig{
				MaxOpenConns:           25,
				MaxIdleConns:           5,
				ConnMaxLifetimeSeconds: 300,
			},
		},
		Executor: ExecutorConfig{
			Type: "shell",
			Remote: RemoteExecutorConfig{
				PollInterval: 2 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
			},
			Rate: RateConfig{
				PerSecond: 10,
				Burst:     20,
			},
		},
		Workflow: WorkflowConfig{
			MaxConcurrency:       workflow.DefaultMaxConcurrency,
			CommandTemplate:      workflow.DefaultCommandTemplate,
			PartialFailurePolicy: string(workflow.FailurePolicyFail),
		},
		Events: EventsConfig{
			SubjectPrefix: "rollout",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				ServiceName: "rolloutd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Client: ClientConfig{
			ServerURL:       "http://127.0.0.1:8420",
			Timeout:         30 * time.Second,
			LogRetryBackoff: 30 * time.Second,
		},
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &rollouterrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &rollouterrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a minimal config file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if c.Backend.Type == "" {
		c.Backend.Type = d.Backend.Type
	}
	if c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = d.Backend.SQLite.Path
	}
	if c.Backend.Postgres.MaxOpenConns == 0 {
		c.Backend.Postgres.MaxOpenConns = d.Backend.Postgres.MaxOpenConns
	}
	if c.Backend.Postgres.MaxIdleConns == 0 {
		c.Backend.Postgres.MaxIdleConns = d.Backend.Postgres.MaxIdleConns
	}
	if c.Backend.Postgres.ConnMaxLifetimeSeconds == 0 {
		c.Backend.Postgres.ConnMaxLifetimeSeconds = d.Backend.Postgres.ConnMaxLifetimeSeconds
	}

	if c.Executor.Type == "" {
		c.Executor.Type = d.Executor.Type
	}
	if c.Executor.Remote.PollInterval == 0 {
		c.Executor.Remote.PollInterval = d.Executor.Remote.PollInterval
	}
	if c.Executor.Retry.MaxAttempts == 0 {
		c.Executor.Retry.MaxAttempts = d.Executor.Retry.MaxAttempts
	}
	if c.Executor.Retry.InitialBackoff == 0 {
		c.Executor.Retry.InitialBackoff = d.Executor.Retry.InitialBackoff
	}
	if c.Executor.Retry.MaxBackoff == 0 {
		c.Executor.Retry.MaxBackoff = d.Executor.Retry.MaxBackoff
	}
	if c.Executor.Rate.Burst == 0 {
		c.Executor.Rate.Burst = d.Executor.Rate.Burst
	}

	if c.Workflow.MaxConcurrency == 0 {
		c.Workflow.MaxConcurrency = d.Workflow.MaxConcurrency
	}
	if c.Workflow.CommandTemplate == "" {
		c.Workflow.CommandTemplate = d.Workflow.CommandTemplate
	}
	if c.Workflow.PartialFailurePolicy == "" {
		c.Workflow.PartialFailurePolicy = d.Workflow.PartialFailurePolicy
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = d.Events.SubjectPrefix
	}

	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = d.Observability.Tracing.ServiceName
	}
	if c.Observability.Tracing.SampleRate == 0 {
		c.Observability.Tracing.SampleRate = d.Observability.Tracing.SampleRate
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = d.Observability.Metrics.Path
	}

	if c.Client.ServerURL == "" {
		c.Client.ServerURL = d.Client.ServerURL
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = d.Client.Timeout
	}
	if c.Client.LogRetryBackoff == 0 {
		c.Client.LogRetryBackoff = d.Client.LogRetryBackoff
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies ROLLOUT_* overrides. Malformed numbers and durations
// are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("ROLLOUT_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("ROLLOUT_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("ROLLOUT_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}

	if val := os.Getenv("ROLLOUT_AUTH_ENABLED"); val != "" {
		c.Auth.Enabled = parseBool(val)
	}
	if val := os.Getenv("ROLLOUT_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}

	if val := os.Getenv("ROLLOUT_BACKEND"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("ROLLOUT_SQLITE_PATH"); val != "" {
		c.Backend.SQLite.Path = val
	}
	if val := os.Getenv("ROLLOUT_POSTGRES_URL"); val != "" {
		c.Backend.Postgres.ConnectionString = val
	}

	if val := os.Getenv("ROLLOUT_EXECUTOR"); val != "" {
		c.Executor.Type = strings.ToLower(val)
	}
	if val := os.Getenv("ROLLOUT_SHELL_PROGRAM"); val != "" {
		c.Executor.Shell.Program = val
	}
	if val := os.Getenv("ROLLOUT_EXECUTOR_URL"); val != "" {
		c.Executor.Remote.URL = val
	}
	if val := os.Getenv("ROLLOUT_EXECUTOR_TOKEN"); val != "" {
		c.Executor.Remote.Token = val
	}
	if val := os.Getenv("ROLLOUT_EXECUTOR_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Executor.Retry.MaxAttempts = n
		}
	}

	if val := os.Getenv("ROLLOUT_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Workflow.MaxConcurrency = n
		}
	}
	if val := os.Getenv("ROLLOUT_COMMAND_TEMPLATE"); val != "" {
		c.Workflow.CommandTemplate = val
	}
	if val := os.Getenv("ROLLOUT_PARTIAL_FAILURE_POLICY"); val != "" {
		c.Workflow.PartialFailurePolicy = strings.ToLower(val)
	}
	if val := os.Getenv("ROLLOUT_RESUME_INTERRUPTED"); val != "" {
		c.Workflow.ResumeInterrupted = parseBool(val)
	}

	if val := os.Getenv("ROLLOUT_PROJECTS_DIR"); val != "" {
		c.Projects.Dir = val
	}
	if val := os.Getenv("ROLLOUT_NATS_URL"); val != "" {
		c.Events.NATSURL = val
	}

	c.Client.loadFromEnv()
}

func (c *ClientConfig) loadFromEnv() {
	if val := os.Getenv("ROLLOUT_SERVER"); val != "" {
		c.ServerURL = val
	}
	if val := os.Getenv("ROLLOUT_TOKEN"); val != "" {
		c.Token = val
	}
	if val := os.Getenv("ROLLOUT_LOG_RETRY_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.LogRetryBackoff = d
		}
	}
	if val := os.Getenv("ROLLOUT_LOG_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.LogMaxRetries = n
		}
	}
}

// Validate checks that the configuration is valid. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}

	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "auth.jwt_secret must be at least 32 bytes when auth is enabled")
	}

	switch c.Backend.Type {
	case "memory":
	case "sqlite":
		if c.Backend.SQLite.Path == "" {
			errs = append(errs, "backend.sqlite.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Backend.Postgres.ConnectionString == "" {
			errs = append(errs, "backend.postgres.connection_string is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite, postgres], got %q", c.Backend.Type))
	}

	switch c.Executor.Type {
	case "shell":
	case "remote":
		if _, err := url.ParseRequestURI(c.Executor.Remote.URL); err != nil {
			errs = append(errs, fmt.Sprintf("executor.remote.url must be an absolute URL, got %q", c.Executor.Remote.URL))
		}
	default:
		errs = append(errs, fmt.Sprintf("executor.type must be one of [shell, remote], got %q", c.Executor.Type))
	}
	if c.Executor.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("executor.retry.max_attempts must be at least 1, got %d", c.Executor.Retry.MaxAttempts))
	}
	if c.Executor.Retry.MaxBackoff < c.Executor.Retry.InitialBackoff {
		errs = append(errs, "executor.retry.max_backoff must not be less than initial_backoff")
	}
	if c.Executor.Rate.PerSecond > 0 && c.Executor.Rate.Burst < 1 {
		errs = append(errs, "executor.rate.burst must be at least 1 when pacing is enabled")
	}

	if c.Workflow.MaxConcurrency < 1 {
		errs = append(errs, fmt.Sprintf("workflow.max_concurrency must be at least 1, got %d", c.Workflow.MaxConcurrency))
	}
	if _, err := workflow.ParseCommandTemplate(c.Workflow.CommandTemplate); err != nil {
		errs = append(errs, fmt.Sprintf("workflow.command_template: %v", err))
	}
	policy := workflow.FailurePolicy(c.Workflow.PartialFailurePolicy)
	if !policy.Valid() {
		errs = append(errs, fmt.Sprintf("workflow.partial_failure_policy must be one of [fail, tolerate_app_failures], got %q", c.Workflow.PartialFailurePolicy))
	}

	if c.Projects.Watch && c.Projects.Dir == "" {
		errs = append(errs, "projects.watch requires projects.dir")
	}

	if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("observability.tracing.sample_rate must be between 0 and 1, got %v", c.Observability.Tracing.SampleRate))
	}
	for i, exp := range c.Observability.Tracing.Exporters {
		switch exp.Type {
		case "otlp", "otlp-http", "otlp_http", "console":
		default:
			errs = append(errs, fmt.Sprintf("observability.tracing.exporters[%d].type %q is not supported", i, exp.Type))
		}
	}

	if c.Client.LogRetryBackoff < 0 {
		errs = append(errs, "client.log_retry_backoff must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// FailurePolicy returns the partial failure policy as its workflow type.
func (c *WorkflowConfig) FailurePolicy() workflow.FailurePolicy {
	return workflow.FailurePolicy(c.PartialFailurePolicy)
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "rollout")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rollout-data")
	}
	return filepath.Join(homeDir, ".rollout", "data")
}
