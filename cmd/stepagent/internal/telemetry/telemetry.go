// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up tracing and metric output for one stepagent
// invocation.
//
// Lock acquisitions are traced through the global OpenTelemetry tracer
// provider and counted in the default Prometheus registry. A CLI process is
// short-lived, so there is no /metrics endpoint: WriteMetrics dumps the
// registry to a node_exporter textfile on exit instead.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ErrUnknownExporter is returned for an unsupported trace exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// Config controls telemetry for one invocation.
type Config struct {
	// ServiceName identifies this process in traces.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// RunID is attached to the trace resource.
	RunID string

	// TraceExporter is "none", "stdout" or "otlp".
	TraceExporter string

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the otlp exporter.
	OTLPInsecure bool

	// Writer receives stdout-exported spans. Default: os.Stderr, so spans
	// never mix with a locked command's stdout.
	Writer io.Writer
}

// ShutdownFunc flushes and stops what Init started.
type ShutdownFunc func(context.Context) error

// Init installs the global tracer provider.
//
// # Description
//
// With ExporterNone the global no-op provider stays in place and the
// returned ShutdownFunc does nothing.
//
// # Outputs
//
//   - ShutdownFunc: Must be called before exit. Never nil on success.
//   - error: Non-nil for an unknown exporter or a failed exporter setup.
//
// # Example
//
//	shutdown, err := telemetry.Init(ctx, telemetry.Config{TraceExporter: "stdout"})
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.TraceExporter == "" || cfg.TraceExporter == ExporterNone {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stepagent"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("stepagent.run_id", cfg.RunID),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case ExporterStdout:
		return stdouttrace.New(
			stdouttrace.WithWriter(cfg.Writer),
			stdouttrace.WithPrettyPrint(),
		)
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
}

// WriteMetrics writes every metric in the default registry to path in the
// Prometheus text format. The file is replaced atomically. An empty path
// does nothing.
func WriteMetrics(path string) error {
	return WriteMetricsFrom(prometheus.DefaultGatherer, path)
}

// WriteMetricsFrom is WriteMetrics for an explicit gatherer.
func WriteMetricsFrom(g prometheus.Gatherer, path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
