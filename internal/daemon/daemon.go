package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/api"
	"github.com/yairfalse/pcw/internal/catalog"
	"github.com/yairfalse/pcw/internal/cleanup"
	"github.com/yairfalse/pcw/internal/reconciler"
	"github.com/yairfalse/pcw/internal/scheduler"
)

// Scheduler job names.
const (
	JobUpdate       = api.UpdateJob
	JobCleanup      = "cleanup_all"
	JobListClusters = "list_clusters"
	JobCleanupK8s   = "cleanup_k8s_all"
)

const shutdownTimeout = 10 * time.Second

// Config holds daemon configuration
type Config struct {
	Listen      string
	DeleteToken string
	// Metrics serves /metrics; nil uses the Prometheus default gatherer.
	Metrics http.Handler
	Now     func() time.Time
}

// Daemon runs the scheduler and the HTTP surface until its context ends.
type Daemon struct {
	listen    string
	scheduler *scheduler.Scheduler
	server    *api.Server
}

// Jobs returns the periodic jobs of the service.
func Jobs(rec *reconciler.Reconciler, driver *cleanup.Driver) []scheduler.Job {
	return []scheduler.Job{
		{Name: JobUpdate, Interval: 45 * time.Minute, Run: rec.Run},
		{Name: JobCleanup, Interval: 60 * time.Minute, Grace: 30 * time.Minute, Run: driver.Cleanup},
		{Name: JobListClusters, Interval: 18 * time.Hour, Grace: 10000 * time.Second, Run: driver.ListClusters},
		{Name: JobCleanupK8s, Interval: 24 * time.Hour, Grace: 30 * time.Minute, Run: driver.CleanupK8s},
	}
}

// NewDaemon wires the jobs into a scheduler and builds the HTTP server.
func NewDaemon(config Config, cat *catalog.Catalog, rec *reconciler.Reconciler, driver *cleanup.Driver, metrics *DaemonMetrics) (*Daemon, error) {
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	var opts []scheduler.Option
	if metrics != nil {
		opts = append(opts, scheduler.WithObserver(metrics.ObserveJob))
	}
	sched := scheduler.New(opts...)
	for _, job := range Jobs(rec, driver) {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}

	server := api.New(api.Deps{
		Catalog:     cat,
		Trigger:     sched,
		Deleter:     meteredDeleter{rec: rec, metrics: metrics},
		Status:      rec.Status(),
		DeleteToken: config.DeleteToken,
		Metrics:     config.Metrics,
		Now:         config.Now,
	})

	return &Daemon{
		listen:    config.Listen,
		scheduler: sched,
		server:    server,
	}, nil
}

type meteredDeleter struct {
	rec     *reconciler.Reconciler
	metrics *DaemonMetrics
}

func (d meteredDeleter) DeleteByID(ctx context.Context, id uint64) (catalog.Row, error) {
	row, err := d.rec.DeleteByID(ctx, id)
	if err == nil && d.metrics != nil {
		d.metrics.RecordDeletion(ctx, string(row.Provider), row.Namespace, "api")
	}
	return row, err
}

// Scheduler returns the job scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Start runs the scheduler and serves HTTP until ctx is done or either
// actor fails.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.listen, err)
	}
	return d.serve(ctx, ln)
}

func (d *Daemon) serve(ctx context.Context, ln net.Listener) error {
	srv := d.server.NewHTTPServer(ln.Addr().String())

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.scheduler.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
			}
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	log.Info().Msg("pcw daemon started")
	err := g.Run()
	log.Info().Err(err).Msg("pcw daemon stopped")
	return err
}

// Health reports uptime and the reconciler state, as served on /health.
func (d *Daemon) Health() api.Health {
	return d.server.Health()
}
