package emitter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PrometheusEmitter exposes resource counts as OTEL instruments, scraped
// through the Prometheus exporter.
type PrometheusEmitter struct {
	meter metric.Meter

	discovered metric.Int64Gauge
	listings   metric.Int64Counter
}

// NewPrometheusEmitter creates an emitter on the global meter provider.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	return newPrometheusEmitter(otel.GetMeterProvider())
}

func newPrometheusEmitter(mp metric.MeterProvider) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{meter: mp.Meter("pcw")}
	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.discovered, err = e.meter.Int64Gauge(
		"pcw_resources_discovered",
		metric.WithDescription("Resources returned by the last listing"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return fmt.Errorf("create resources_discovered gauge: %w", err)
	}

	e.listings, err = e.meter.Int64Counter(
		"pcw_listings_total",
		metric.WithDescription("Number of provider listings recorded"),
	)
	if err != nil {
		return fmt.Errorf("create listings counter: %w", err)
	}

	return nil
}

// Emit records the point.
func (e *PrometheusEmitter) Emit(ctx context.Context, p Point) error {
	attrs := metric.WithAttributes(
		attribute.String("provider", p.Measurement),
		attribute.String("resource", p.Field),
		attribute.String("namespace", p.Namespace),
	)
	e.discovered.Record(ctx, p.Value, attrs)
	e.listings.Add(ctx, 1, attrs)
	return nil
}

// Close is a no-op for the Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
