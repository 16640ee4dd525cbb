// Package observability installs the process-wide OpenTelemetry tracer provider.
package observability

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/okian/patientsim/pkg/logger"
)

// ServiceName is the tracer name used across the module.
const ServiceName = "patientsim"

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Options tune InitOTel.
type Options struct {
	Enabled     bool
	SampleRatio float64
	// Writer receives exported spans. Defaults to stderr so stdout stays
	// usable for stdio transports.
	Writer io.Writer
}

// InitOTel installs a tracer provider exporting to a text stream. When
// tracing is disabled the global no-op provider is left in place and the
// returned Shutdown does nothing.
func InitOTel(ctx context.Context, opts Options) (Shutdown, error) {
	log := logger.Named("otel")
	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(opts.SampleRatio)))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info(ctx, "tracing initialized", logger.Float64("sample_ratio", clampRatio(opts.SampleRatio)))
	return tp.Shutdown, nil
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
