package otel

import (
	"context"
	"testing"

	"github.com/chimera-sh/factory/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInit_Disabled_ShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.OtelConfig{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestStartSpan(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "task.process",
		AttrTaskID.String("t-1"),
		AttrSkill.String("trend_research"),
	)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End()
}
