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
Package tracing wires OpenTelemetry into rolloutd.

It builds the tracer and meter providers, creates span exporters from
configuration, and offers span helpers for workflow runs, jobs and task
executions.

# Quick Start

	provider, err := tracing.NewProvider(ctx, tracing.Config{
	    Enabled:     true,
	    ServiceName: "rolloutd",
	    SampleRate:  0.25,
	    Exporters: []tracing.ExporterConfig{
	        {Type: "otlp", Endpoint: "collector:4317"},
	    },
	})
	defer provider.Shutdown(ctx)

	ctx, span := tracing.StartRun(ctx, provider.Tracer("coordinator"), run)
	defer span.End()

# Metrics

Run and job durations are recorded as OpenTelemetry histograms and exported
through the Prometheus exporter, so they appear on the same /metrics
endpoint as the counters in internal/controller/metrics.

# Propagation

HTTPMiddleware extracts W3C trace context from inbound API requests. The
retrying HTTP client in pkg/httpclient injects it on outbound calls.
*/
package tracing
