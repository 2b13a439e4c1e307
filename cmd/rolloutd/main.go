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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/tombee/rollout/internal/config"
	"github.com/tombee/rollout/internal/controller"
	"github.com/tombee/rollout/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", os.Getenv("ROLLOUT_CONFIG"), "Path to rolloutd.yaml")
		addr        = flag.String("addr", "", "TCP address to listen on")
		backendType = flag.String("backend", "", "Storage backend (memory, sqlite, postgres)")
		postgresURL = flag.String("postgres-url", "", "PostgreSQL connection URL")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database file")
		projectsDir = flag.String("projects-dir", "", "Directory of project manifests")
		watch       = flag.Bool("watch", false, "Reload project manifests when they change")
		resume      = flag.Bool("resume-interrupted", false, "Re-drive runs left in flight by a previous process")
		showVersion = flag.BoolP("version", "V", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("rolloutd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Logging from the environment until the config file is read.
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", log.Error(err))
		os.Exit(1)
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}
	if *postgresURL != "" {
		cfg.Backend.Postgres.ConnectionString = *postgresURL
	}
	if *sqlitePath != "" {
		cfg.Backend.SQLite.Path = *sqlitePath
	}
	if *projectsDir != "" {
		cfg.Projects.Dir = *projectsDir
	}
	if *watch {
		cfg.Projects.Watch = true
	}
	if *resume {
		cfg.Workflow.ResumeInterrupted = true
	}

	logger = log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	c, err := controller.New(cfg, controller.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("Failed to create controller", log.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("Controller error", log.Error(err))
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", log.Error(err))
		exitCode = 1
	}
	os.Exit(exitCode)
}
