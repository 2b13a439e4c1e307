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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tombee/rollout/internal/config"
)

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are exported.
	Enabled bool

	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// SampleRate is the fraction of traces to sample (0.0 - 1.0).
	SampleRate float64

	// AlwaysSampleErrors samples spans that start with a failure attribute.
	AlwaysSampleErrors bool

	// Exporters configures span export destinations.
	Exporters []ExporterConfig

	// BatchSize is the maximum number of spans per export batch (default: 512).
	BatchSize int

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration

	// Registerer receives the Prometheus collector of the meter provider.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// ExporterConfig defines a span export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type string

	// Endpoint is the collector address.
	Endpoint string

	// Insecure disables TLS.
	Insecure bool

	// Headers are sent with every export request.
	Headers map[string]string

	// CACertPath verifies the collector with a custom CA.
	CACertPath string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            false,
		ServiceName:        "rolloutd",
		ServiceVersion:     "unknown",
		SampleRate:         1.0,
		AlwaysSampleErrors: true,
		BatchSize:          512,
		BatchInterval:      5 * time.Second,
	}
}

// FromSettings converts the daemon's observability settings.
func FromSettings(cfg config.TracingConfig, version string) Config {
	out := DefaultConfig()
	out.Enabled = cfg.Enabled
	if cfg.ServiceName != "" {
		out.ServiceName = cfg.ServiceName
	}
	switch {
	case cfg.ServiceVersion != "":
		out.ServiceVersion = cfg.ServiceVersion
	case version != "":
		out.ServiceVersion = version
	}
	if cfg.SampleRate > 0 {
		out.SampleRate = cfg.SampleRate
	}
	for _, e := range cfg.Exporters {
		out.Exporters = append(out.Exporters, ExporterConfig{
			Type:       e.Type,
			Endpoint:   e.Endpoint,
			Insecure:   e.Insecure,
			Headers:    e.Headers,
			CACertPath: e.CACert,
		})
	}
	return out
}
