package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Counter("test", "quill.test.count", "test").Add(context.Background(), 1)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestEnabledExportsCounters(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{Enabled: true, Interval: time.Hour, Writer: &buf})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Init(context.Background(), Config{})

	Counter("test", "quill.test.exported", "test").Add(context.Background(), 3,
		metric.WithAttributes(attribute.String("outcome", "applied")))

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if !strings.Contains(buf.String(), "quill.test.exported") {
		t.Fatalf("expected exported counter in output, got %q", buf.String())
	}
}
