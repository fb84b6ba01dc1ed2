// Package telemetry installs the OpenTelemetry tracer provider and wraps
// HTTP handlers with span instrumentation.
package telemetry

import (
	"context"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/bdobrica/Kaden/common/version"
)

const instrumentation = "github.com/bdobrica/Kaden"

// Options configure Init.
type Options struct {
	ServiceName string
	// Stdout, when set, exports finished spans as JSON to Writer (os.Stdout
	// when nil). Without it spans are created for context propagation only.
	Stdout bool
	Writer io.Writer
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Init installs a global tracer provider and the W3C propagators.
func Init(opts Options) (Shutdown, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "kaden"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", version.Version),
	)
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.Stdout {
		expOpts := []stdouttrace.Option{}
		if opts.Writer != nil {
			expOpts = append(expOpts, stdouttrace.WithWriter(opts.Writer))
		}
		exp, err := stdouttrace.New(expOpts...)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// Tracer returns Kaden's tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(instrumentation) }

// Start opens a span named name with the given attributes.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// WrapHandler traces requests served by next under the operation name.
func WrapHandler(name string, next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, name)
}
