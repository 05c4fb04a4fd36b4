// Package reconciler aligns the catalog with what the clouds report and
// deletes instances whose TTL expired or whose openQA job was cancelled.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/catalog"
	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/emitter"
	"github.com/yairfalse/pcw/internal/journal"
	"github.com/yairfalse/pcw/internal/notify"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/internal/telemetry"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Defaults of the updaterun section.
const (
	DefaultTTL          = 44400 * time.Second
	DefaultResetAfter   = 24 * time.Hour
	operationUpdate     = "update_db"
	operationAutoDelete = "auto_delete_instances"
)

// ErrAlreadyRunning is returned when a run is requested while one is in
// progress.
var ErrAlreadyRunning = errors.New("reconciler already running")

// ProviderSource hands out the backend of a namespace and kind.
type ProviderSource interface {
	Get(ctx context.Context, namespace string, kind resource.Kind) (provider.Provider, error)
}

// Reconciler runs discovery passes over every enabled namespace and provider.
type Reconciler struct {
	cfg       *config.Config
	catalog   *catalog.Catalog
	providers ProviderSource
	oracle    catalog.CancelOracle
	emitter   emitter.Emitter
	mailer    notify.Mailer
	journal   journal.Recorder
	now       func() time.Time
	status    *Status
}

// Deps are the collaborators of a Reconciler. Oracle, Emitter, Mailer and
// Journal are optional.
type Deps struct {
	Config    *config.Config
	Catalog   *catalog.Catalog
	Providers ProviderSource
	Oracle    catalog.CancelOracle
	Emitter   emitter.Emitter
	Mailer    notify.Mailer
	Journal   journal.Recorder
	Now       func() time.Time
}

// New creates a reconciler.
func New(d Deps) *Reconciler {
	if d.Emitter == nil {
		d.Emitter = emitter.Nop{}
	}
	if d.Mailer == nil {
		d.Mailer = notify.LogMailer{}
	}
	if d.Journal == nil {
		d.Journal = journal.Discard{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Reconciler{
		cfg:       d.Config,
		catalog:   d.Catalog,
		providers: d.Providers,
		oracle:    d.Oracle,
		emitter:   d.Emitter,
		mailer:    d.Mailer,
		journal:   d.Journal,
		now:       d.Now,
		status:    &Status{},
	}
}

// Status returns the shared run status.
func (r *Reconciler) Status() *Status {
	return r.status
}

func (r *Reconciler) defaultTTL() time.Duration {
	return time.Duration(r.cfg.Int("updaterun/default_ttl", int(DefaultTTL/time.Second))) * time.Second
}

func (r *Reconciler) resetAfter() time.Duration {
	return time.Duration(r.cfg.Int("updaterun/reset_deleting_after", int(DefaultResetAfter/time.Second))) * time.Second
}

// Run performs one full pass. The last update time only advances when no
// namespace failed.
func (r *Reconciler) Run(ctx context.Context) (err error) {
	if !r.status.begin() {
		return ErrAlreadyRunning
	}
	defer r.status.end()

	ctx, span := telemetry.Start(ctx, "reconciler.run")
	defer func() { telemetry.End(span, err) }()

	start := r.now()
	namespaces := r.cfg.Namespaces(config.FeatureDefault)
	log.Info().Ctx(ctx).Strs("namespaces", namespaces).Msg("reconciler run started")

	var errs []error
	for _, ns := range namespaces {
		for _, kind := range r.cfg.Providers(config.FeatureDefault, ns) {
			if err := r.syncProvider(ctx, ns, kind); err != nil {
				errs = append(errs, err)
				notify.Error(ctx, r.mailer, err, operationUpdate, ns)
			}
		}
	}

	for _, ns := range namespaces {
		if _, err := r.catalog.ResetStaleDeleting(ns, r.resetAfter()); err != nil {
			errs = append(errs, fmt.Errorf("reset stale deleting in %s: %w", ns, err))
		}
	}

	for _, ns := range namespaces {
		if err := r.autoDelete(ctx, ns); err != nil {
			errs = append(errs, err)
		}
		if err := r.notifyOverdue(ctx, ns); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		log.Warn().Ctx(ctx).Int("errors", len(errs)).Dur("took", r.now().Sub(start)).Msg("reconciler run finished with errors")
		return errors.Join(errs...)
	}
	r.status.succeeded(r.now())
	log.Info().Ctx(ctx).Dur("took", r.now().Sub(start)).Msg("reconciler run finished")
	return nil
}

// syncProvider is one discovery pass: mark every row inactive, upsert the
// listing, then mark the rows not seen as deleted.
func (r *Reconciler) syncProvider(ctx context.Context, ns string, kind resource.Kind) (err error) {
	ctx, span := telemetry.Start(ctx, "reconciler.sync_provider", telemetry.Scope(ns, string(kind))...)
	defer func() { telemetry.End(span, err) }()

	p, err := r.providers.Get(ctx, ns, kind)
	if err != nil {
		return err
	}
	lister, ok := p.(provider.InstanceLister)
	if !ok {
		log.Debug().Ctx(ctx).Str("namespace", ns).Str("provider", string(kind)).Msg("provider has no instance listing")
		return nil
	}

	if _, err := r.catalog.MarkAllInactive(ns, kind); err != nil {
		return err
	}
	instances, err := lister.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("list %s instances: %w", kind, err)
	}
	r.emit(ctx, ns, kind, emitter.FieldInstances, len(instances))

	ttl := r.defaultTTL()
	for _, inst := range instances {
		if _, err := r.catalog.Upsert(ns, kind, inst, ttl); err != nil {
			return err
		}
	}

	deleted, err := r.catalog.MarkDeleted(ns, kind)
	if err != nil {
		return err
	}
	log.Info().Ctx(ctx).
		Str("namespace", ns).
		Str("provider", string(kind)).
		Int("seen", len(instances)).
		Int("deleted", deleted).
		Msg("discovery pass done")
	return nil
}

func (r *Reconciler) emit(ctx context.Context, ns string, kind resource.Kind, field string, n int) {
	err := r.emitter.Emit(ctx, emitter.Point{
		Measurement: kind.ConfigName(),
		Field:       field,
		Namespace:   ns,
		Value:       int64(n),
		Time:        r.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("namespace", ns).Str("provider", string(kind)).Msg("failed to emit metric")
	}
}

// autoDelete deletes the candidates of a namespace. Fatal failures are
// mailed once per namespace.
func (r *Reconciler) autoDelete(ctx context.Context, ns string) (err error) {
	ctx, span := telemetry.Start(ctx, "reconciler.auto_delete", telemetry.Scope(ns, "")...)
	defer func() { telemetry.End(span, err) }()

	rows, err := r.catalog.Candidates(ctx, ns, r.oracle)
	if err != nil {
		return fmt.Errorf("candidates in %s: %w", ns, err)
	}

	var failures []error
	for _, row := range rows {
		logger := log.With().
			Ctx(ctx).
			Str("namespace", ns).
			Str("provider", string(row.Provider)).
			Str("instance_id", row.InstanceID).
			Logger()

		p, err := r.providers.Get(ctx, ns, row.Provider)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		res := p.DeleteInstance(ctx, row.Region, row.InstanceID)
		r.record(row, journal.TriggerAuto, res)
		switch res.Kind {
		case provider.ResultOK, provider.ResultNotFound:
			if _, err := r.catalog.MarkDeleting(row.ID); err != nil {
				failures = append(failures, err)
				continue
			}
			logger.Info().Str("result", res.String()).Dur("age", row.Age).Msg("auto delete requested")
		case provider.ResultTransient:
			logger.Warn().Str("result", res.String()).Msg("auto delete deferred")
		default:
			failures = append(failures, fmt.Errorf("delete %s/%s: %w", row.Provider, row.InstanceID, res.Error()))
		}
	}

	if len(failures) == 0 {
		return nil
	}
	r.mailFailures(ctx, ns, failures)
	return errors.Join(failures...)
}

// record journals a delete outcome. Journal failures are logged only.
func (r *Reconciler) record(row catalog.Row, trigger journal.Trigger, res provider.Result) {
	e := journal.Entry{
		Trigger:    trigger,
		RowID:      row.ID,
		Namespace:  row.Namespace,
		Provider:   row.Provider,
		InstanceID: row.InstanceID,
		Region:     row.Region,
		Result:     res.String(),
	}
	switch res.Kind {
	case provider.ResultOK, provider.ResultNotFound:
		e.Type = journal.TypeRequested
	case provider.ResultTransient:
		e.Type = journal.TypeDeferred
	default:
		e.Type = journal.TypeFailed
	}
	if err := res.Error(); err != nil {
		e.Error = err.Error()
	}
	if err := r.journal.Record(e); err != nil {
		log.Warn().Err(err).Uint64("row_id", row.ID).Msg("failed to journal deletion")
	}
}

func (r *Reconciler) mailFailures(ctx context.Context, ns string, failures []error) {
	var body strings.Builder
	for _, err := range failures {
		fmt.Fprintf(&body, "%+v\n\n", err)
	}
	subject := notify.ErrorSubject(failures[0], operationAutoDelete, ns)
	if err := r.mailer.Send(ctx, subject, body.String()); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to send error mail")
	}
}

// notifyOverdue mails the active instances older than notify/age-hours
// once.
func (r *Reconciler) notifyOverdue(ctx context.Context, ns string) error {
	hours := r.cfg.Int("notify/age-hours", 0)
	if hours <= 0 {
		return nil
	}
	rows, err := r.catalog.Overdue(ns, time.Duration(hours)*time.Hour)
	if err != nil || len(rows) == 0 {
		return err
	}

	var body strings.Builder
	ids := make([]uint64, 0, len(rows))
	for _, row := range rows {
		fmt.Fprintf(&body, "%s %s (%s) age %s\n", row.Provider, row.InstanceID, row.Region, row.Age.Round(time.Minute))
		ids = append(ids, row.ID)
	}
	subject := fmt.Sprintf("%d instances older than %dh in [%s]", len(rows), hours, ns)
	if err := r.mailer.Send(ctx, subject, body.String()); err != nil {
		return fmt.Errorf("send overdue mail: %w", err)
	}
	return r.catalog.MarkNotified(ids...)
}

// DeleteByID deletes a single catalog instance on request. The row must be
// active; it moves to DELETING once the provider accepted the deletion.
func (r *Reconciler) DeleteByID(ctx context.Context, id uint64) (catalog.Row, error) {
	row, err := r.catalog.Get(id)
	if err != nil {
		return catalog.Row{}, err
	}
	if row.State != catalog.StateActive {
		return row, fmt.Errorf("instance %d is %s: %w", id, row.State, catalog.ErrInvalidTransition)
	}

	p, err := r.providers.Get(ctx, row.Namespace, row.Provider)
	if err != nil {
		return row, err
	}
	res := p.DeleteInstance(ctx, row.Region, row.InstanceID)
	r.record(row, journal.TriggerAPI, res)
	if !res.Succeeded() {
		return row, fmt.Errorf("delete %s/%s: %w", row.Provider, row.InstanceID, res.Error())
	}
	log.Info().
		Str("namespace", row.Namespace).
		Str("provider", string(row.Provider)).
		Str("instance_id", row.InstanceID).
		Msg("delete requested")
	return r.catalog.MarkDeleting(id)
}
