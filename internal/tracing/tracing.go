// Copyright 2025 The Spine Authors
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

// Package tracing wires the OpenTelemetry SDK. Spans cover execution
// dispatch, workflow steps, and queue claims; the exporter writes to
// stdout so traces are greppable alongside the structured logs.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// scope is the instrumentation scope for all spans in this process.
const scope = "github.com/spinehq/spine"

// Config controls the tracer provider.
type Config struct {
	// Enabled turns span export on. When false every span is a no-op.
	Enabled bool
	// ServiceName appears on every exported span.
	ServiceName string
	// ServiceVersion is the build version stamp.
	ServiceVersion string
	// SampleRate is the head-sampling ratio in [0, 1]. Zero means 1.
	SampleRate float64
	// Writer receives the exported spans. Nil means stdout.
	Writer io.Writer
}

// Provider owns the SDK tracer provider lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a provider per cfg and installs it globally so
// otel.Tracer callers pick it up. Disabled tracing returns a provider
// whose spans are no-ops but whose API is still safe to use.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Tracer returns the process tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(scope)
}

// StartExecution opens a span around one operation execution.
func StartExecution(ctx context.Context, workflow, executionID string, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "execution.run",
		trace.WithAttributes(
			attribute.String("spine.workflow", workflow),
			attribute.String("spine.execution_id", executionID),
			attribute.String("spine.trigger", trigger),
		))
}

// StartStep opens a span around one workflow step.
func StartStep(ctx context.Context, runID, step string, stepType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("spine.run_id", runID),
			attribute.String("spine.step", step),
			attribute.String("spine.step_type", stepType),
		))
}

// End closes span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
