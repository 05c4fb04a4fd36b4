package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/pcw/internal/telemetry"
)

// Defaults for the process settings kept outside the config file.
const (
	defaultConfigPath     = "/etc/pcw.toml"
	defaultCatalogPath    = "/var/pcw/catalog.db"
	defaultCredentialsDir = "/var/pcw"
	defaultCacheDir       = "/var/pcw/cache"
	defaultJournalDir     = "/var/pcw/journal"
)

var (
	version = "0.1.0"

	configPath     string
	catalogPath    string
	credentialsDir string
	cacheDir       string
	journalDir     string
	logFormat      string
	debug          bool

	rootCmd = &cobra.Command{
		Use:   "pcw",
		Short: "Public cloud watcher for openQA",
		Long: `pcw - Public Cloud Watcher

pcw discovers the instances openQA creates on EC2, Azure, GCE and
OpenStack, tracks them in a local catalog and deletes the ones whose
TTL expired or whose openQA job was cancelled. Periodic cleanup jobs
remove old images, snapshots, disks, blobs and Kubernetes leftovers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return telemetry.SetupLogging(os.Stderr, logFormat, debug)
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`pcw {{.Version}}
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default $PCW_CONFIG or "+defaultConfigPath+")")
	flags.StringVar(&catalogPath, "catalog", defaultCatalogPath, "Catalog database path")
	flags.StringVar(&credentialsDir, "credentials-dir", defaultCredentialsDir, "Directory with <namespace>/<Kind>.json credential files")
	flags.StringVar(&cacheDir, "cache-dir", defaultCacheDir, "Directory for the credential lease cache")
	flags.StringVar(&journalDir, "journal-dir", defaultJournalDir, "Directory of the deletion journal (empty disables it)")
	flags.StringVar(&logFormat, "log-format", telemetry.FormatConsole, "Log format: console, json")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
}

// resolveConfigPath picks --config, then PCW_CONFIG, then the default.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("PCW_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
