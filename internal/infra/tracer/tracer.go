package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"trill/internal/infra/config"
)

const tracerName = "trill"

// Setup installs the global TracerProvider and returns its shutdown
// function. Disabled and noop configurations install a no-op provider so
// the span helpers below cost nothing.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled || cfg.Exporter == "noop" || cfg.Exporter == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", tracerName),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Connect opens the span covering one gateway connection attempt, from dial
// through authentication. Callers end it with OK or Fail; a deferred End is
// safe either way.
func Connect(ctx context.Context, connID string, shard int, resuming bool) trace.Span {
	_, span := otel.Tracer(tracerName).Start(ctx, "gateway.connect",
		trace.WithAttributes(
			attribute.String("conn_id", connID),
			attribute.Int("shard", shard),
			attribute.Bool("resuming", resuming),
		))
	return span
}

// VoiceConnect opens the span covering one voice connection attempt, from
// dial through identify or resume.
func VoiceConnect(ctx context.Context, connID, serverID string, resume bool) trace.Span {
	_, span := otel.Tracer(tracerName).Start(ctx, "voice.connect",
		trace.WithAttributes(
			attribute.String("conn_id", connID),
			attribute.String("server_id", serverID),
			attribute.Bool("resume", resume),
		))
	return span
}

// Fail records err on the span and ends it with error status.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// OK ends the span with OK status.
func OK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
	span.End()
}
