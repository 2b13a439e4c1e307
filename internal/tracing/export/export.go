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

// Package export builds span exporters for external collectors.
package export

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter types.
const (
	TypeConsole  = "console"
	TypeOTLP     = "otlp"
	TypeOTLPHTTP = "otlp-http"
	TypeNone     = "none"
)

// Options describes one export destination.
type Options struct {
	// Type selects the exporter. "otlp" is OTLP over gRPC.
	Type string

	// Endpoint is the collector address, e.g. "localhost:4317".
	Endpoint string

	// Insecure disables TLS (for development only).
	Insecure bool

	// Headers are sent with each export request.
	Headers map[string]string

	// CACertPath is a PEM bundle used to verify the collector.
	CACertPath string

	// Writer receives console output (default: os.Stdout).
	Writer io.Writer
}

// New creates the exporter described by opts. It returns nil, nil for
// the "none" type.
func New(ctx context.Context, opts Options) (trace.SpanExporter, error) {
	switch opts.Type {
	case TypeConsole:
		return newConsole(opts)
	case TypeOTLP:
		return newOTLPGRPC(ctx, opts)
	case TypeOTLPHTTP, "otlp_http":
		return newOTLPHTTP(ctx, opts)
	case TypeNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", opts.Type)
	}
}

func newConsole(opts Options) (trace.SpanExporter, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create console exporter: %w", err)
	}
	return exporter, nil
}

func newOTLPGRPC(ctx context.Context, opts Options) (trace.SpanExporter, error) {
	grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}

	if opts.Insecure {
		grpcOpts = append(grpcOpts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	} else {
		tlsConfig, err := TLSConfig(opts.CACertPath)
		if err != nil {
			return nil, err
		}
		grpcOpts = append(grpcOpts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsConfig)))
	}

	if len(opts.Headers) > 0 {
		grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exporter, nil
}

func newOTLPHTTP(ctx context.Context, opts Options) (trace.SpanExporter, error) {
	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}

	if opts.Insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	} else {
		tlsConfig, err := TLSConfig(opts.CACertPath)
		if err != nil {
			return nil, err
		}
		httpOpts = append(httpOpts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}

	if len(opts.Headers) > 0 {
		httpOpts = append(httpOpts, otlptracehttp.WithHeaders(opts.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exporter, nil
}
