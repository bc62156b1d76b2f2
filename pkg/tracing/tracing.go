// Package tracing wraps OpenTelemetry so workers can trace requests and task
// executions without every package importing the SDK directly.
package tracing

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jzx17/gofleet"

var (
	providerOnce sync.Once
	providerErr  error
	provider     *sdktrace.TracerProvider
)

// Init installs a global tracer provider exporting to stdout, or to outputFile
// when it is not empty. Only the first call has an effect. The returned
// function flushes and stops the provider.
func Init(serviceName, serviceVersion, outputFile string) (func(context.Context) error, error) {
	providerOnce.Do(func() {
		var w io.Writer = os.Stdout
		if outputFile != "" {
			f, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				providerErr = err
				return
			}
			w = f
		}

		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			providerErr = err
			return
		}

		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", serviceName),
				attribute.String("service.version", serviceVersion),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
	})

	if providerErr != nil {
		return nil, providerErr
	}
	return func(ctx context.Context) error {
		if provider == nil {
			return nil
		}
		return provider.Shutdown(ctx)
	}, nil
}

// StartSpan starts an internal span as a child of any span carried by ctx
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartServerSpan starts a server span for an inbound request
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err on span, if any, and ends it
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Detach returns a context that keeps the span of ctx for parenting but drops
// its deadline and cancellation.
func Detach(ctx context.Context, base context.Context) context.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return base
	}
	return trace.ContextWithSpanContext(base, sc)
}
