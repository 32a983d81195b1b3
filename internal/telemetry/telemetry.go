// Package telemetry configures OpenTelemetry tracing for reconciliation runs.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jbweber/autospawn/internal/config"
)

// TracerName is the instrumentation scope of every autospawn span.
const TracerName = "github.com/jbweber/autospawn"

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Setup installs the global tracer provider described by cfg and returns it.
// When tracing is disabled a no-op provider is installed.
func Setup(cfg config.TracingConfig) (trace.TracerProvider, Shutdown, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}

	var (
		w         io.Writer = os.Stdout
		closeFile           = func() error { return nil }
	)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace file %s: %w", cfg.File, err)
		}
		w, closeFile = f, f.Close
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		_ = closeFile()
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "autospawn"))),
	)
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cerr := closeFile(); err == nil {
			err = cerr
		}
		return err
	}
	return tp, shutdown, nil
}
