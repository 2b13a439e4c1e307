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

package coordinator

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/rollout/internal/controller/logs"
	"github.com/tombee/rollout/internal/events"
	"github.com/tombee/rollout/internal/jq"
	"github.com/tombee/rollout/internal/log"
	"github.com/tombee/rollout/internal/tracing"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = log.WithComponent(logger, "coordinator")
	}
}

// WithLogHub sets the hub task output is written to.
func WithLogHub(hub *logs.Hub) Option {
	return func(c *Coordinator) {
		c.hub = hub
	}
}

// WithEvents sets the run lifecycle event publisher.
func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.events = p
		}
	}
}

// WithTracer sets the tracer used for run, job and task spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithTelemetry sets the OpenTelemetry instruments for durations and attempts.
func WithTelemetry(m *tracing.Metrics) Option {
	return func(c *Coordinator) {
		c.telemetry = m
	}
}

// WithOutputExecutor sets the jq executor used to extract job outputs.
func WithOutputExecutor(e *jq.Executor) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.outputs = e
		}
	}
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithIDGenerator overrides run and job id generation. Used by tests.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		c.newID = newID
	}
}
