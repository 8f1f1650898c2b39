// Package telemetry provides OpenTelemetry metrics for quill.
//
// Telemetry is disabled by default. When disabled, Init installs a no-op
// meter provider and instruments cost nothing. When enabled, metrics are
// exported periodically to a writer (stderr by default) through the stdout
// exporter.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "github.com/Mschirtzinger/quill"

// Config controls metric export.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Writer   io.Writer
}

// Init configures the global meter provider and returns its shutdown hook.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval)),
	))
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(mp.ForceFlush(ctx), mp.Shutdown(ctx))
	}, nil
}

// Meter returns a meter for a quill component, e.g. Meter("store").
func Meter(component string) metric.Meter {
	return otel.Meter(instrumentationScope + "/" + component)
}

// Counter creates an int64 counter, falling back to a no-op instrument when
// the provider rejects the definition.
func Counter(component, name, description string) metric.Int64Counter {
	c, err := Meter(component).Int64Counter(name, metric.WithDescription(description))
	if err != nil || c == nil {
		return metricnoop.Int64Counter{}
	}
	return c
}

// Histogram creates a float64 histogram in seconds, with the same fallback
// as Counter.
func Histogram(component, name, description string) metric.Float64Histogram {
	h, err := Meter(component).Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
	)
	if err != nil || h == nil {
		return metricnoop.Float64Histogram{}
	}
	return h
}
