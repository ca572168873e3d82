package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSpanHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, turn := StartTurn(context.Background(), "r_0011aabb", "c1", "conv-1")
	_, call := StartModelCall(ctx, "test-model", 0, 1)
	AddRetryEvent(call, 1, "transient")
	RecordError(call, errors.New("boom"), "transient")
	call.End()
	_, tool := StartToolCall(ctx, "get_students", "call_1")
	tool.End()
	AddStateTransition(turn, "AWAITING_MODEL", "DONE")
	turn.End()

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(spans))
	}
	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name()] = true
	}
	for _, want := range []string{"agent.turn", "llm.chat", "tool.get_students"} {
		if !names[want] {
			t.Errorf("missing span %q", want)
		}
	}
	if spans[0].Parent().TraceID() != spans[2].SpanContext().TraceID() {
		t.Error("model call span is not in the turn's trace")
	}
	if len(spans[0].Events()) != 2 {
		t.Errorf("model call events = %d, want retry + exception", len(spans[0].Events()))
	}
}
