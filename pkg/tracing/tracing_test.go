package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProvider(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := Tracer("test").Start(context.Background(), "op")
	AddEvent(ctx, "checkpoint", attribute.Int("progress", 10))
	SetError(ctx, errors.New("boom"))
	span.End()
}

func TestStdoutProvider(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{
		ServiceName: "test",
		Exporter:    "stdout",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestUnknownExporter(t *testing.T) {
	if _, err := InitTracer(context.Background(), Config{Exporter: "zipkin", Enabled: true}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
