package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// One-shot commands run a single scheduler job and exit. They open the
// catalog themselves, so they fail fast while a daemon holds its lock.

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one discovery and auto-delete pass",
	Long: `Discover instances in every configured namespace, update the catalog,
delete instances whose TTL expired or whose openQA job was cancelled,
and mail about instances older than notify/age-hours.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, a *app) error {
			return a.reconciler.Run(ctx)
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old images, snapshots, volumes, disks and blobs",
	Long: `Run the age-based cleanup of every provider enabled in the
[cleanup] section. Dry-run namespaces only log what would be removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, a *app) error {
			return a.driver.Cleanup(ctx)
		})
	},
}

var cleanupK8sCmd = &cobra.Command{
	Use:   "cleanup-k8s",
	Short: "Remove finished jobs and stale namespaces from test clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, a *app) error {
			return a.driver.CleanupK8s(ctx)
		})
	},
}

var listClustersCmd = &cobra.Command{
	Use:   "list-clusters",
	Short: "Mail the Kubernetes clusters found per namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, a *app) error {
			return a.driver.ListClusters(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(updateCmd, cleanupCmd, cleanupK8sCmd, listClustersCmd)
}

func runJob(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return withApp(ctx, fn)
}
