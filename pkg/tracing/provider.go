package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/iris/pkg/tracing/exporters"
)

// Options selects where spans go
type Options struct {
	ServiceName string
	Version     string
	// Export sends spans to an OTLP collector; otherwise spans are discarded after creation
	Export bool
	OTLP   exporters.OTLPConfig
}

// Init installs a global tracer provider and returns its shutdown func
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter = &exporters.DiscardExporter{}
	if opts.Export {
		otlpExporter, err := exporters.NewOTLPExporter(ctx, opts.OTLP)
		if err != nil {
			return nil, err
		}
		exporter = otlpExporter
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", opts.ServiceName),
			attribute.String("service.version", opts.Version),
		)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	SetTracer(provider.Tracer(opts.ServiceName))

	return provider.Shutdown, nil
}
