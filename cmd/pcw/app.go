package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/catalog"
	"github.com/yairfalse/pcw/internal/cleanup"
	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/credentials"
	"github.com/yairfalse/pcw/internal/emitter"
	"github.com/yairfalse/pcw/internal/journal"
	"github.com/yairfalse/pcw/internal/notify"
	"github.com/yairfalse/pcw/internal/openqa"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/internal/provider/azure"
	"github.com/yairfalse/pcw/internal/provider/ec2"
	"github.com/yairfalse/pcw/internal/provider/gce"
	"github.com/yairfalse/pcw/internal/provider/openstack"
	"github.com/yairfalse/pcw/internal/reconciler"
	"github.com/yairfalse/pcw/internal/telemetry"
	"github.com/yairfalse/pcw/pkg/resource"
)

// app holds the components shared by every command.
type app struct {
	cfg        *config.Config
	telemetry  *telemetry.Provider
	creds      *credentials.Manager
	registry   *provider.Registry
	mailer     notify.Mailer
	emitter    emitter.Emitter
	catalog    *catalog.Catalog
	journal    *journal.Journal
	reconciler *reconciler.Reconciler
	driver     *cleanup.Driver
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newRegistry registers every backend the service knows.
func newRegistry(cfg *config.Config, creds provider.CredentialResolver, mailer notify.Mailer) *provider.Registry {
	registry := provider.NewRegistry(cfg, creds, mailer)
	registry.Register(resource.KindEC2, ec2.New)
	registry.Register(resource.KindAzure, azure.New)
	registry.Register(resource.KindGCE, gce.New)
	registry.Register(resource.KindOpenStack, openstack.New)
	return registry
}

func newEmitter(cfg *config.Config) (emitter.Emitter, error) {
	prom, err := emitter.NewPrometheusEmitter()
	if err != nil {
		return nil, fmt.Errorf("create prometheus emitter: %w", err)
	}
	emitters := []emitter.Emitter{prom}

	influx, err := emitter.NewInfluxEmitter(cfg)
	if err != nil {
		return nil, fmt.Errorf("create influx emitter: %w", err)
	}
	if influx != nil {
		emitters = append(emitters, influx)
	}
	return emitter.NewMultiEmitter(emitters...), nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	a := &app{
		cfg:       cfg,
		telemetry: tp,
		creds:     credentials.NewManager(cfg, credentialsDir, cacheDir),
		mailer:    notify.New(cfg),
	}
	a.registry = newRegistry(cfg, a.creds, a.mailer)

	if a.emitter, err = newEmitter(cfg); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	if a.catalog, err = catalog.Open(catalogPath); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("open catalog %s: %w", catalogPath, err)
	}

	var recorder journal.Recorder = journal.Discard{}
	if journalDir != "" {
		if a.journal, err = openJournal(cfg, journalDir); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		recorder = a.journal
	}

	a.reconciler = reconciler.New(reconciler.Deps{
		Config:    cfg,
		Catalog:   a.catalog,
		Providers: a.registry,
		Oracle:    openqa.NewClient(0),
		Emitter:   a.emitter,
		Mailer:    a.mailer,
		Journal:   recorder,
	})
	a.driver = cleanup.NewDriver(cfg, a.registry, a.emitter, a.mailer)

	log.Debug().
		Str("config", cfg.Path()).
		Str("catalog", catalogPath).
		Strs("namespaces", cfg.Namespaces(config.FeatureDefault)).
		Msg("pcw initialized")
	return a, nil
}

// openJournal keeps updaterun/journal-retention-days of day files.
func openJournal(cfg *config.Config, dir string) (*journal.Journal, error) {
	days := cfg.Int("updaterun/journal-retention-days", int(journal.DefaultRetention/(24*time.Hour)))
	j, err := journal.Open(dir, journal.WithRetention(time.Duration(days)*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	return j, nil
}

// deleteToken prefers the environment over the config file.
func (a *app) deleteToken() string {
	if token := os.Getenv("PCW_DELETE_TOKEN"); token != "" {
		return token
	}
	return a.cfg.String("webui/delete-token", "")
}

// Close releases providers, leases and the catalog lock.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.creds != nil {
		errs = append(errs, a.creds.Close(ctx))
	}
	if a.emitter != nil {
		errs = append(errs, a.emitter.Close())
	}
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// withApp runs fn with a fully wired app and closes it afterwards.
func withApp(ctx context.Context, fn func(context.Context, *app) error) (err error) {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil {
			log.Warn().Err(cerr).Msg("shutdown")
			if err == nil {
				err = cerr
			}
		}
	}()
	return fn(ctx, a)
}
