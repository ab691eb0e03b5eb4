// Package telemetry sets up OpenTelemetry tracing for the process.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const (
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Options configures InitTracer.
type Options struct {
	ServiceName string
	// Exporter is ExporterStdout or ExporterNone.
	Exporter string
	// Writer receives stdout spans. Defaults to os.Stdout.
	Writer io.Writer
}

// InitTracer installs a global tracer provider and returns its shutdown
// function. With ExporterNone spans are still created, so trace IDs
// propagate, but nothing is exported.
func InitTracer(opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	tp, err := NewProvider(opts)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized",
		slog.String("service", opts.ServiceName),
		slog.String("exporter", opts.Exporter))

	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider without installing it globally.
func NewProvider(opts Options) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(opts.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch opts.Exporter {
	case ExporterStdout:
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	case ExporterNone, "":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", opts.Exporter)
	}

	return sdktrace.NewTracerProvider(providerOpts...), nil
}
