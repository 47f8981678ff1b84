/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the controller.
//
// Span attributes use the `vigil.` prefix. The batch span started in the
// dispatcher is the parent for engine and gateway spans, so one trace
// follows a batch from ingestion to the actions it caused.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "hearthside-labs/vigil"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("vigil"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartBatchSpan creates the parent span for one batch dispatch.
func StartBatchSpan(ctx context.Context, source, batchID string, entities int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.batch",
		trace.WithAttributes(
			attribute.String("vigil.source", source),
			attribute.String("vigil.batch_id", batchID),
			attribute.Int("vigil.entities", entities),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndBatchSpan enriches the batch span with the evaluation outcome.
func EndBatchSpan(span trace.Span, evaluated, fired, errs int) {
	span.SetAttributes(
		attribute.Int("vigil.rules_evaluated", evaluated),
		attribute.Int("vigil.rules_fired", fired),
		attribute.Int("vigil.rule_errors", errs),
	)
	span.End()
}

// StartGatewaySpan creates a child span for an outbound gateway call.
func StartGatewaySpan(ctx context.Context, gateway, operation string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.call",
		trace.WithAttributes(
			attribute.String("vigil.gateway", gateway),
			attribute.String("vigil.operation", operation),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndGatewaySpan enriches the gateway span with the call result.
func EndGatewaySpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("vigil.ok", false))
	} else {
		span.SetAttributes(attribute.Bool("vigil.ok", true))
	}
	span.End()
}
