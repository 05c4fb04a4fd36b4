package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/pcw/internal/daemon"
)

var serveListen string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	Long: `Run pcw as a long-lived service.

The service runs four periodic jobs on a single worker:
- update_db every 45 minutes (discovery, TTL deletion, overdue notification)
- cleanup_all every hour
- list_clusters every 18 hours
- cleanup_k8s_all every day

and serves /health, /instances.json, /update, /update/status,
POST /delete/{id} and /metrics. SIGTERM or SIGINT stops it gracefully.`,
	Example: `  pcw serve                           # Listen on :8000
  pcw serve --listen 127.0.0.1:8080   # Custom address
  pcw serve --log-format json         # JSON logs for collectors`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", ":8000", "HTTP listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return withApp(ctx, func(ctx context.Context, a *app) error {
		metrics, err := daemon.NewDaemonMetrics(a.telemetry.MeterProvider(), a.reconciler.Status(), a.catalog)
		if err != nil {
			return fmt.Errorf("create daemon metrics: %w", err)
		}

		d, err := daemon.NewDaemon(daemon.Config{
			Listen:      serveListen,
			DeleteToken: a.deleteToken(),
			Metrics:     a.telemetry.MetricsHandler(),
		}, a.catalog, a.reconciler, a.driver, metrics)
		if err != nil {
			return fmt.Errorf("create daemon: %w", err)
		}

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		log.Info().Msg("shutdown complete")
		return nil
	})
}
