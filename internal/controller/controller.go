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

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/rollout/internal/config"
	"github.com/tombee/rollout/internal/controller/api"
	"github.com/tombee/rollout/internal/controller/auth"
	"github.com/tombee/rollout/internal/controller/backend"
	"github.com/tombee/rollout/internal/controller/backend/memory"
	"github.com/tombee/rollout/internal/controller/backend/postgres"
	"github.com/tombee/rollout/internal/controller/backend/sqlite"
	"github.com/tombee/rollout/internal/controller/coordinator"
	"github.com/tombee/rollout/internal/controller/projects"
	"github.com/tombee/rollout/internal/events"
	"github.com/tombee/rollout/internal/executor"
	"github.com/tombee/rollout/internal/executor/remote"
	"github.com/tombee/rollout/internal/executor/shell"
	internallog "github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/internal/tracing"
)

// Options contains build information and test seams.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Executor replaces the executor selected by configuration.
	Executor executor.Executor

	// Registerer receives the OpenTelemetry metrics. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer

	// Gatherer backs the metrics endpoint. Defaults to the Prometheus
	// default gatherer.
	Gatherer prometheus.Gatherer
}

// Controller owns the long-running rolloutd components.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend  backend.Backend
	projects *projects.Registry
	events   events.Publisher
	tracing  *tracing.Provider
	coord    *coordinator.Coordinator
	router   *api.Router

	mu      sync.Mutex
	started bool
	server  *http.Server
	ln      net.Listener
	cancel  context.CancelFunc
	watchWg sync.WaitGroup
}

// New creates a controller from configuration. Nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	logger := internallog.WithComponent(slog.Default(), "controller")

	c := &Controller{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}

	be, err := newBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	c.backend = be
	logger.Info("storage backend ready", slog.String("type", cfg.Backend.Type))

	c.projects = projects.NewRegistry(cfg.Projects.Dir, slog.Default())
	if err := c.projects.Load(); err != nil {
		c.closeAll(context.Background())
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}
	logger.Info("projects loaded",
		slog.String("dir", cfg.Projects.Dir),
		slog.Int("count", len(c.projects.List())))

	exec := opts.Executor
	if exec == nil {
		exec, err = newExecutor(cfg.Executor)
		if err != nil {
			c.closeAll(context.Background())
			return nil, err
		}
	}

	c.events = events.Nop{}
	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			c.closeAll(context.Background())
			return nil, err
		}
		c.events = pub
		logger.Info("publishing run events", slog.String("prefix", cfg.Events.SubjectPrefix))
	}

	tcfg := tracing.FromSettings(cfg.Observability.Tracing, opts.Version)
	tcfg.Registerer = opts.Registerer
	tp, err := tracing.NewProvider(context.Background(), tcfg)
	if err != nil {
		c.closeAll(context.Background())
		return nil, fmt.Errorf("failed to create tracing provider: %w", err)
	}
	c.tracing = tp

	c.coord = coordinator.New(
		coordinator.ConfigFrom(cfg),
		c.backend,
		c.projects,
		exec,
		coordinator.WithLogger(slog.Default()),
		coordinator.WithEvents(c.events),
		coordinator.WithTracer(tp.Tracer("github.com/tombee/rollout/coordinator")),
		coordinator.WithTelemetry(tp.Metrics()),
	)

	routerOpts := []api.RouterOption{api.WithLogger(slog.Default())}
	if cfg.Auth.Enabled {
		acfg := auth.FromSettings(cfg.Auth)
		acfg.PublicPaths = []string{cfg.Observability.Metrics.Path}
		routerOpts = append(routerOpts, api.WithAuth(auth.NewMiddleware(acfg)))
	}
	c.router = api.NewRouter(api.RouterConfig{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, c.coord, routerOpts...)

	if cfg.Observability.Metrics.Enabled {
		gatherer := opts.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		c.router.Mux().Handle("GET "+cfg.Observability.Metrics.Path,
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return c, nil
}

// Handler returns the HTTP handler serving the API.
func (c *Controller) Handler() http.Handler {
	return c.router
}

// Coordinator returns the execution coordinator.
func (c *Controller) Coordinator() *coordinator.Coordinator {
	return c.coord
}

// Addr returns the listen address once Start has bound it.
func (c *Controller) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Start binds the listener and serves until ctx is cancelled or the server
// fails. Interrupted runs are re-driven first when configured.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	c.logSecurityWarnings()

	if c.cfg.Workflow.ResumeInterrupted {
		n, err := c.coord.RecoverInterrupted(ctx)
		if err != nil {
			c.logger.Warn("failed to resume interrupted runs", internallog.Error(err))
		} else if n > 0 {
			c.logger.Info("resumed interrupted runs", slog.Int("count", n))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	if c.cfg.Projects.Watch && c.cfg.Projects.Dir != "" {
		c.watchWg.Add(1)
		go func() {
			defer c.watchWg.Done()
			if err := c.projects.Watch(ctx, projects.DefaultDebounce); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("project watcher stopped", internallog.Error(err))
			}
		}()
	}

	ln, err := net.Listen("tcp", c.cfg.Server.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.Server.Addr, err)
	}

	server := &http.Server{
		Handler:           c.router,
		ReadHeaderTimeout: c.cfg.Server.ReadHeaderTimeout,
	}

	c.mu.Lock()
	c.ln = ln
	c.server = server
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("rolloutd listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", c.opts.Version),
		slog.Bool("auth", c.cfg.Auth.Enabled))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown stops accepting requests, interrupts active runs so they can be
// recovered later, and releases every resource.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info("graceful shutdown initiated",
		slog.Int("active_runs", c.coord.ActiveRunCount()))

	var errs []error
	if server != nil {
		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	if err := c.coord.Stop(ctx); err != nil {
		c.logger.Warn("coordinator stop timeout", internallog.Error(err))
		errs = append(errs, err)
	} else {
		c.logger.Info("coordinator stopped cleanly")
	}

	if cancel != nil {
		cancel()
	}
	c.watchWg.Wait()

	errs = append(errs, c.closeAll(ctx)...)
	c.logger.Info("controller stopped")
	return errors.Join(errs...)
}

func (c *Controller) closeAll(ctx context.Context) []error {
	var errs []error
	if c.events != nil {
		c.events.Close()
	}
	if c.tracing != nil {
		if err := c.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
		}
	}
	return errs
}

func newBackend(cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: true})
	case "postgres":
		return postgres.New(postgres.Config{
			ConnectionString: cfg.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime:  time.Duration(cfg.Postgres.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

func newExecutor(cfg config.ExecutorConfig) (executor.Executor, error) {
	switch cfg.Type {
	case "", "shell":
		return shell.New(shell.Config{
			Program: cfg.Shell.Program,
			WorkDir: cfg.Shell.WorkDir,
			Env:     cfg.Shell.Env,
			Logger:  slog.Default(),
		}), nil
	case "remote":
		return remote.New(remote.Config{
			URL:          cfg.Remote.URL,
			Token:        cfg.Remote.Token,
			PollInterval: cfg.Remote.PollInterval,
			Logger:       slog.Default(),
		})
	default:
		return nil, fmt.Errorf("unknown executor type %q", cfg.Type)
	}
}

// logSecurityWarnings logs warnings for risky configurations.
func (c *Controller) logSecurityWarnings() {
	if !c.cfg.Auth.Enabled && !isLocalhostAddr(c.cfg.Server.Addr) {
		c.logger.Warn("API listens on a non-loopback address without authentication",
			slog.String("addr", c.cfg.Server.Addr))
	}
	if c.cfg.Backend.Type == "memory" {
		c.logger.Warn("memory backend in use; runs are lost on restart")
	}
}

func isLocalhostAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}

	return false
}
