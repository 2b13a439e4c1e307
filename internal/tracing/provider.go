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

package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tombee/rollout/internal/tracing/export"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer and meter providers of the process.
type Provider struct {
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	metrics *Metrics
}

// NewProvider creates the OpenTelemetry providers described by cfg and
// installs them as the global tracer provider and propagator.
// Extra options are appended after the configured ones, which lets tests
// add a synchronous in-memory exporter.
func NewProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	// No schema URL, to avoid conflicts when merging with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	allOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.SampleRate, cfg.AlwaysSampleErrors)),
	}
	if cfg.Enabled {
		for _, p := range spanProcessors(ctx, cfg) {
			allOpts = append(allOpts, sdktrace.WithSpanProcessor(p))
		}
	}
	allOpts = append(allOpts, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(W3CPropagator())

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promExporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	m, err := NewMetrics(mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &Provider{tp: tp, mp: mp, metrics: m}, nil
}

// spanProcessors wraps every configured exporter in a batch processor.
// Exporters that fail to build are logged and skipped.
func spanProcessors(ctx context.Context, cfg Config) []sdktrace.SpanProcessor {
	var processors []sdktrace.SpanProcessor

	for i, e := range cfg.Exporters {
		exporter, err := export.New(ctx, export.Options{
			Type:       e.Type,
			Endpoint:   e.Endpoint,
			Insecure:   e.Insecure,
			Headers:    e.Headers,
			CACertPath: e.CACertPath,
		})
		if err != nil {
			slog.Warn("failed to create exporter, skipping",
				"index", i,
				"type", e.Type,
				"endpoint", e.Endpoint,
				"error", err)
			continue
		}
		if exporter == nil {
			continue
		}

		var batchOpts []sdktrace.BatchSpanProcessorOption
		if cfg.BatchSize > 0 {
			batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
		}
		if cfg.BatchInterval > 0 {
			batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchInterval))
		}
		processors = append(processors, sdktrace.NewBatchSpanProcessor(exporter, batchOpts...))

		slog.Info("created exporter", "type", e.Type, "endpoint", e.Endpoint)
	}

	return processors
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Metrics returns the duration recorder backed by this provider.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// ForceFlush exports all pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

// Shutdown flushes pending data and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}
