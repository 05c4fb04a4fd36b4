// Package cleanup drives the age-based cleanup jobs over every namespace
// and provider enabled for them.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/emitter"
	"github.com/yairfalse/pcw/internal/notify"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/internal/telemetry"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Operation names used in error mails and logs.
const (
	OperationCleanup      = "cleanup_run"
	OperationK8s          = "cleanup_k8s"
	OperationListClusters = "list_clusters"
)

// ProviderSource hands out the backend of a namespace and kind.
type ProviderSource interface {
	Get(ctx context.Context, namespace string, kind resource.Kind) (provider.Provider, error)
}

// Driver runs cleanup_run, cleanup_k8s and list_clusters.
type Driver struct {
	cfg       *config.Config
	providers ProviderSource
	emitter   emitter.Emitter
	mailer    notify.Mailer
	now       func() time.Time
}

// NewDriver creates a driver. A nil emitter or mailer falls back to a
// no-op emitter and a logging mailer.
func NewDriver(cfg *config.Config, providers ProviderSource, em emitter.Emitter, mailer notify.Mailer) *Driver {
	if em == nil {
		em = emitter.Nop{}
	}
	if mailer == nil {
		mailer = notify.LogMailer{}
	}
	return &Driver{
		cfg:       cfg,
		providers: providers,
		emitter:   em,
		mailer:    mailer,
		now:       time.Now,
	}
}

// WithClock overrides the time stamp of emitted points.
func (d *Driver) WithClock(now func() time.Time) *Driver {
	d.now = now
	return d
}

// each calls fn for every namespace and provider of a feature. Failures are
// mailed per namespace and collected; the loop always continues.
func (d *Driver) each(ctx context.Context, feature, operation string, fn func(ctx context.Context, ns string, p provider.Provider) error) error {
	var errs []error
	for _, ns := range d.cfg.Namespaces(feature) {
		for _, kind := range d.cfg.Providers(feature, ns) {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := d.run(ctx, operation, ns, kind, fn)
			if err == nil {
				continue
			}
			log.Error().Ctx(ctx).Err(err).
				Str("namespace", ns).
				Str("provider", string(kind)).
				Str("job", operation).
				Msg("cleanup step failed")
			notify.Error(ctx, d.mailer, err, operation, ns)
			errs = append(errs, fmt.Errorf("%s %s/%s: %w", operation, ns, kind, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) run(ctx context.Context, operation, ns string, kind resource.Kind, fn func(ctx context.Context, ns string, p provider.Provider) error) (err error) {
	ctx, span := telemetry.Start(ctx, "cleanup."+operation, telemetry.Scope(ns, string(kind))...)
	defer func() { telemetry.End(span, err) }()

	p, err := d.providers.Get(ctx, ns, kind)
	if err != nil {
		return err
	}
	return fn(ctx, ns, p)
}

// Cleanup calls CleanupAll on every provider enabled for the cleanup
// feature and records the listed counts.
func (d *Driver) Cleanup(ctx context.Context) error {
	return d.each(ctx, config.FeatureCleanup, OperationCleanup, func(ctx context.Context, ns string, p provider.Provider) error {
		start := d.now()
		stats, err := p.CleanupAll(ctx)
		d.emitStats(ctx, ns, p.Kind(), stats)
		log.Info().Ctx(ctx).
			Str("namespace", ns).
			Str("provider", string(p.Kind())).
			Interface("listed", stats).
			Dur("took", d.now().Sub(start)).
			Msg("cleanup done")
		return err
	})
}

func (d *Driver) emitStats(ctx context.Context, ns string, kind resource.Kind, stats provider.Stats) {
	fields := make([]string, 0, len(stats))
	for field := range stats {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	now := d.now()
	for _, field := range fields {
		err := d.emitter.Emit(ctx, emitter.Point{
			Measurement: kind.ConfigName(),
			Field:       field,
			Namespace:   ns,
			Value:       int64(stats[field]),
			Time:        now,
		})
		if err != nil {
			log.Warn().Err(err).Str("namespace", ns).Str("field", field).Msg("failed to emit metric")
		}
	}
}

// CleanupK8s removes old jobs and helm test namespaces from the managed
// clusters of every provider enabled for k8sclusters.
func (d *Driver) CleanupK8s(ctx context.Context) error {
	return d.each(ctx, config.FeatureK8sClusters, OperationK8s, func(ctx context.Context, ns string, p provider.Provider) error {
		cleaner, ok := p.(provider.KubernetesCleaner)
		if !ok {
			log.Debug().Ctx(ctx).Str("namespace", ns).Str("provider", string(p.Kind())).Msg("provider has no kubernetes clusters")
			return nil
		}
		return errors.Join(
			cleaner.CleanupK8sJobs(ctx),
			cleaner.CleanupK8sNamespaces(ctx),
		)
	})
}

// ListClusters mails the managed clusters of every provider enabled for
// the clusters feature, when there are any.
func (d *Driver) ListClusters(ctx context.Context) error {
	return d.each(ctx, config.FeatureClusters, OperationListClusters, func(ctx context.Context, ns string, p provider.Provider) error {
		lister, ok := p.(provider.ClusterLister)
		if !ok {
			return nil
		}
		clusters, err := lister.ListClusters(ctx)
		if err != nil {
			return err
		}

		var total int
		for _, names := range clusters {
			total += len(names)
		}
		d.emitStats(ctx, ns, p.Kind(), provider.Stats{emitter.FieldClusters: total})
		if total == 0 {
			return nil
		}

		subject := fmt.Sprintf("%s clusters in [%s]", strings.ToLower(string(p.Kind())), ns)
		return d.mailer.Send(ctx, subject, FormatClusters(clusters))
	})
}

// FormatClusters renders clusters by region, both sorted.
func FormatClusters(clusters map[string][]string) string {
	regions := make([]string, 0, len(clusters))
	for region := range clusters {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	var b strings.Builder
	for _, region := range regions {
		names := append([]string(nil), clusters[region]...)
		sort.Strings(names)
		fmt.Fprintf(&b, "%s:\n", region)
		for _, name := range names {
			fmt.Fprintf(&b, "  - %s\n", name)
		}
	}
	return b.String()
}
