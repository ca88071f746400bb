package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	ctx := context.Background()
	if HasLogger(ctx) {
		t.Fatalf("expected no logger on empty context")
	}
	if Logger(ctx) == nil {
		t.Fatalf("expected noop logger, got nil")
	}

	logger := zap.NewExample()
	ctx = WithLogger(ctx, logger)
	if !HasLogger(ctx) || Logger(ctx) != logger {
		t.Fatalf("expected stored logger")
	}
	if HasLogger(WithLogger(ctx, nil)) {
		t.Fatalf("expected nil logger to reset to noop")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	if TraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7", Sampled: true})
	info, ok := Trace(ctx)
	if !ok || !info.Sampled || TraceID(ctx) != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("unexpected trace %+v", info)
	}
}
