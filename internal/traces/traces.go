// Package traces provides OpenTelemetry tracing for policy evaluation.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/l7policy"

// Init initializes the OpenTelemetry tracer provider.
// If otlpEndpoint is empty, a no-op provider is used.
// Returns a shutdown function that should be called on server stop.
func Init(ctx context.Context, serviceName, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("0.1.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Common attribute helpers for consistent span decoration.

func PodIP(ip string) attribute.KeyValue {
	return attribute.String("l7policy.pod_ip", ip)
}

func Ingress(ingress bool) attribute.KeyValue {
	return attribute.Bool("l7policy.ingress", ingress)
}

func SourceIdentity(id uint32) attribute.KeyValue {
	return attribute.Int64("l7policy.source_identity", int64(id))
}

func DestinationIdentity(id uint32) attribute.KeyValue {
	return attribute.Int64("l7policy.destination_identity", int64(id))
}

func DestinationPort(port uint16) attribute.KeyValue {
	return attribute.Int("l7policy.destination_port", int(port))
}

func Verdict(allowed bool) attribute.KeyValue {
	if allowed {
		return attribute.String("l7policy.verdict", "allow")
	}
	return attribute.String("l7policy.verdict", "deny")
}

func RuleRef(ref string) attribute.KeyValue {
	return attribute.String("l7policy.rule", ref)
}
