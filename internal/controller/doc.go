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

/*
Package controller assembles the rolloutd server process.

The Controller wires the subsystems together:

  - Backend: persists runs, jobs and deployments (memory, sqlite, postgres)
  - Projects: the manifest registry, optionally reloaded on file changes
  - Executor: the task executor jobs run on (shell or remote runner)
  - Coordinator: drives deploy and destroy runs against the executor
  - Events: publishes run lifecycle events to NATS when configured
  - Tracing: OpenTelemetry spans and duration histograms
  - API: the HTTP router with bearer JWT auth and the metrics endpoint

# Usage

	cfg, _ := config.Load(path)
	c, err := controller.New(cfg, controller.Options{Version: "1.0.0"})
	if err != nil {
	    return err
	}
	go c.Start(ctx)
	<-ctx.Done()
	c.Shutdown(shutdownCtx)

# Shutdown

Shutdown stops the HTTP server first, then interrupts active runs. Runs
interrupted this way keep their in-flight status and are picked up by
RecoverInterrupted on the next start when workflow.resume_interrupted is set.
*/
package controller
