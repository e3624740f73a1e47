package tracing

import (
	"context"
	"testing"

	"farmops.io/bulkops/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestInit_DisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}

	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}

func TestInit_NoExporterStillInstallsProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: true, SampleRatio: 1})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	_, span := Tracer().Start(context.Background(), "sampled")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Error("span context should be valid with an sdk provider installed")
	}
}

func TestClampRatio(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0.25, 0.25},
		{3, 1},
	}
	for _, tt := range tests {
		if got := clampRatio(tt.in); got != tt.want {
			t.Errorf("clampRatio(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
