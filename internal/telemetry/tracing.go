// Package telemetry configures OpenTelemetry tracing for the playbook
// engine. Custom span attributes use the `playbookd.` prefix.
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

const tracerName = "playbookd.marlinsec.com/engine"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. An empty endpoint disables tracing (noop provider).
// The returned shutdown func must run on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via OTEL_EXPORTER_OTLP_INSECURE
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("playbookd"),
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

// StartIngressSpan opens the span covering one webhook delivery.
func StartIngressSpan(ctx context.Context, webhookID, sourceIP string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "ingress.receive",
		trace.WithAttributes(
			attribute.String("playbookd.webhook_id", webhookID),
			attribute.String("playbookd.source_ip", sourceIP),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartExecutionSpan opens the parent span for one playbook run.
func StartExecutionSpan(ctx context.Context, executionID, playbookID string, version int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "execution.run",
		trace.WithAttributes(
			attribute.String("playbookd.execution_id", executionID),
			attribute.String("playbookd.playbook_id", playbookID),
			attribute.Int("playbookd.playbook_version", version),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStepSpan opens a child span for one step visit.
func StartStepSpan(ctx context.Context, stepID, stepType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "execution.step",
		trace.WithAttributes(
			attribute.String("playbookd.step_id", stepID),
			attribute.String("playbookd.step_type", stepType),
		),
	)
}

// EndStepSpan closes a step span with its outcome.
func EndStepSpan(span trace.Span, state, errorCode string) {
	span.SetAttributes(attribute.String("playbookd.step_state", state))
	if errorCode != "" {
		span.SetAttributes(attribute.String("playbookd.error_code", errorCode))
	}
	span.End()
}

// StartConnectorSpan opens a child span for an outbound connector call.
func StartConnectorSpan(ctx context.Context, connectorID, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "connector.invoke",
		trace.WithAttributes(
			attribute.String("playbookd.connector_id", connectorID),
			attribute.String("playbookd.action_type", action),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
