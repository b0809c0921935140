// Package tracing wires the OpenTelemetry tracer: OTLP HTTP export, ratio
// sampling, W3C propagation. When tracing is disabled the returned tracer is
// a no-op and every span call is free.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cctelegram/mcp-bridge/internal/config"
)

const scopeName = "github.com/cctelegram/mcp-bridge"

// Tracer owns the provider lifecycle and hands out spans.
type Tracer struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Init configures the global tracer provider. The returned Tracer must be
// closed on exit to flush pending spans.
func Init(ctx context.Context, cfg config.TracingConfig, service, version string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			tracer:   noop.NewTracerProvider().Tracer(scopeName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion(version),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	var opts []otlptracehttp.Option
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{tracer: tp.Tracer(scopeName), shutdown: tp.Shutdown}, nil
}

// Start opens a span. Callers end it via the returned Span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, Span{inner: span}
}

// Close flushes and stops the provider, bounded by a short deadline so a hung
// collector cannot stall shutdown.
func (t *Tracer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.shutdown(ctx)
}

// Span is a thin wrapper keeping OTel types out of handler signatures.
type Span struct {
	inner trace.Span
}

// SetAttributes attaches attributes to the span.
func (s Span) SetAttributes(attrs ...attribute.KeyValue) { s.inner.SetAttributes(attrs...) }

// Error records err and marks the span failed.
func (s Span) Error(err error) {
	if err == nil {
		return
	}
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

// End finishes the span.
func (s Span) End() { s.inner.End() }
