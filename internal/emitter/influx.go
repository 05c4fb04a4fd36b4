package emitter

import (
	"context"
	"fmt"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/config"
)

// InfluxEmitter writes points to an InfluxDB v2 bucket. Only namespaces
// enabled for the influxdb feature are written.
type InfluxEmitter struct {
	client     influxdb2.Client
	writer     api.WriteAPIBlocking
	namespaces map[string]bool
}

// NewInfluxEmitter returns nil when influxdb/url or INFLUX_TOKEN is missing.
func NewInfluxEmitter(cfg *config.Config) (*InfluxEmitter, error) {
	url := cfg.String("influxdb/url", "")
	token := os.Getenv("INFLUX_TOKEN")
	if url == "" || token == "" {
		return nil, nil
	}

	org, err := cfg.RequireString("influxdb/org")
	if err != nil {
		return nil, err
	}
	bucket, err := cfg.RequireString("influxdb/bucket")
	if err != nil {
		return nil, err
	}

	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(10))

	namespaces := make(map[string]bool)
	for _, ns := range cfg.Namespaces(config.FeatureInfluxDB) {
		namespaces[ns] = true
	}

	log.Info().Str("url", url).Str("bucket", bucket).Msg("influxdb metrics enabled")
	return &InfluxEmitter{
		client:     client,
		writer:     client.WriteAPIBlocking(org, bucket),
		namespaces: namespaces,
	}, nil
}

// Emit writes the point as measurement=<provider>, field=<resource>, tag namespace.
func (e *InfluxEmitter) Emit(ctx context.Context, p Point) error {
	if !e.namespaces[p.Namespace] {
		return nil
	}
	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	point := influxdb2.NewPoint(p.Measurement,
		map[string]string{"namespace": p.Namespace},
		map[string]any{p.Field: p.Value},
		ts)
	if err := e.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write influx point %s.%s: %w", p.Measurement, p.Field, err)
	}
	return nil
}

// Close releases the client.
func (e *InfluxEmitter) Close() error {
	e.client.Close()
	return nil
}
