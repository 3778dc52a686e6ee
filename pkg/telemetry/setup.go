package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Options configures InitTracer.
type Options struct {
	ServiceName string
	Enabled     bool
	// Writer receives exported spans; stdout when nil.
	Writer io.Writer
	Logger *slog.Logger
}

// InitTracer installs a stdout tracer provider as the global provider. When
// tracing is disabled the global no-op provider is left in place.
func InitTracer(ctx context.Context, opts Options) ShutdownFunc {
	noop := func(context.Context) error { return nil }
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !opts.Enabled {
		return noop
	}

	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		logger.ErrorContext(ctx, "telemetry exporter init failed", "error", err)
		return noop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
		)),
	)

	otel.SetTracerProvider(provider)
	logger.InfoContext(ctx, "tracing enabled", "service", opts.ServiceName)

	return provider.Shutdown
}
