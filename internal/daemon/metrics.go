package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/pcw/internal/catalog"
	"github.com/yairfalse/pcw/internal/reconciler"
)

// RowCounter counts catalog rows per state.
type RowCounter interface {
	List(f catalog.Filter) ([]catalog.Row, error)
}

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	jobRuns     metric.Int64Counter
	jobDuration metric.Float64Histogram
	deletions   metric.Int64Counter
}

// NewDaemonMetrics creates the job instruments and registers observable
// gauges for the reconciler status and the catalog.
func NewDaemonMetrics(mp metric.MeterProvider, status *reconciler.Status, rows RowCounter) (*DaemonMetrics, error) {
	meter := mp.Meter("pcw.daemon")

	jobRuns, err := meter.Int64Counter(
		"pcw.scheduler.job.runs",
		metric.WithDescription("Number of scheduler job runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram(
		"pcw.scheduler.job.duration",
		metric.WithDescription("Duration of scheduler job runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	deletions, err := meter.Int64Counter(
		"pcw.instances.deletions",
		metric.WithDescription("Number of instance deletions requested"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	running, err := meter.Int64ObservableGauge(
		"pcw.reconciler.running",
		metric.WithDescription("1 while a reconciler run is in progress"),
	)
	if err != nil {
		return nil, err
	}

	lastUpdate, err := meter.Int64ObservableGauge(
		"pcw.reconciler.last_update",
		metric.WithDescription("Unix time of the last successful reconciler run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	catalogRows, err := meter.Int64ObservableGauge(
		"pcw.catalog.rows",
		metric.WithDescription("Catalog rows by state"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if status != nil {
			var v int64
			if status.Running() {
				v = 1
			}
			o.ObserveInt64(running, v)
			if t, ok := status.LastUpdate(); ok {
				o.ObserveInt64(lastUpdate, t.Unix())
			}
		}
		if rows != nil {
			observeRows(o, catalogRows, rows)
		}
		return nil
	}, running, lastUpdate, catalogRows)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		jobRuns:     jobRuns,
		jobDuration: jobDuration,
		deletions:   deletions,
	}, nil
}

func observeRows(o metric.Observer, gauge metric.Int64ObservableGauge, rows RowCounter) {
	all, err := rows.List(catalog.Filter{})
	if err != nil {
		return
	}
	counts := map[catalog.State]int64{
		catalog.StateActive:   0,
		catalog.StateDeleting: 0,
		catalog.StateDeleted:  0,
	}
	for _, r := range all {
		counts[r.State]++
	}
	for state, n := range counts {
		o.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("state", string(state))))
	}
}

// ObserveJob records a finished scheduler run. It matches
// scheduler.Observer.
func (m *DaemonMetrics) ObserveJob(name string, took time.Duration, err error) {
	ctx := context.Background()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.jobRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", name),
		attribute.String("status", status),
	))
	m.jobDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.String("job", name),
	))
}

// RecordDeletion counts a deletion requested outside the scheduler.
func (m *DaemonMetrics) RecordDeletion(ctx context.Context, provider, namespace, trigger string) {
	m.deletions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cloud.provider", provider),
		attribute.String("namespace", namespace),
		attribute.String("trigger", trigger),
	))
}
