// Package tracing sets up OpenTelemetry tracing for the counselor agent
// and provides span helpers for agent turns, model calls and tool calls.
package tracing

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nugget/counselor-agent"

// Config controls trace export.
type Config struct {
	// Endpoint is the OTLP/HTTP collector, e.g. "otel-collector:4318" or
	// "https://collector.example.com". Empty disables export.
	Endpoint string
	// SampleRatio is the fraction of root traces kept. 0 means 1.
	SampleRatio float64
}

// Setup installs the global tracer provider. With no endpoint the global
// no-op provider stays in place. The returned function flushes and
// stops export and must be called on exit.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	insecure := true
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
		insecure = false
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", endpoint, "insecure", insecure, "sample_ratio", ratio)
	return tp.Shutdown, nil
}

// Tracer returns the agent's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurn starts the span covering one agent turn.
func StartTurn(ctx context.Context, requestID, ownerID, conversationID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agent.request_id", requestID),
			attribute.String("agent.owner_id", ownerID),
			attribute.String("agent.conversation_id", conversationID),
		),
	)
}

// StartModelCall starts a span for one completion engine call.
func StartModelCall(ctx context.Context, model string, round, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "llm.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.Int("agent.round", round),
			attribute.Int("llm.attempt", attempt),
		),
	)
}

// StartToolCall starts a span for one tool execution.
func StartToolCall(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool."+tool,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("tool.call_id", callID),
		),
	)
}

// RecordError marks span as failed with err and its category.
func RecordError(span trace.Span, err error, category string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if category != "" {
		span.SetAttributes(attribute.String("error.category", category))
	}
}

// AddRetryEvent notes a retry on span.
func AddRetryEvent(span trace.Span, attempt int, category string) {
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("retry.attempt", attempt),
		attribute.String("retry.category", category),
	))
}

// AddStateTransition notes an agent state change on span.
func AddStateTransition(span trace.Span, from, to string) {
	span.AddEvent("state.transition", trace.WithAttributes(
		attribute.String("state.from", from),
		attribute.String("state.to", to),
	))
}
