package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Start opens a span on the global tracer provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Scope returns the namespace and provider attributes of a span. An empty
// provider is left out.
func Scope(namespace, provider string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("pcw.namespace", namespace)}
	if provider != "" {
		attrs = append(attrs, attribute.String("pcw.provider", provider))
	}
	return attrs
}
