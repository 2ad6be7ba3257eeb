// Package cmd wires the CLI: one cobra command per engine surface
// (run, iiif, quota, deferred, history) over a config file shared by
// all of them.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
)

// Version metadata, stamped via ldflags at release build.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	flagConfig   string
	flagLogLevel string

	// cfg is loaded once in the root PersistentPreRun and shared by
	// every subcommand.
	cfg *config.Config

	// exitCode is what Execute exits with after a clean command run.
	// Subcommands set it for outcomes that are not errors (row
	// failures, interrupts).
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "chrono",
	Short: "Batch downloader for digitised books and manuscripts",
	Long: `Chrono walks a works CSV, searches the configured providers for each
entry, scores and selects the best candidate, and downloads its scans
and metadata - with provider quotas, deferred retries, resume and
per-run size budgets.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load(config.ResolvePath(flagConfig))
		level := flagLogLevel
		if level == "" {
			level = cfg.Logging.GetLevel()
		}
		logx.Configure(logx.ParseLevel(level), nil)
	},
}

// Execute runs the CLI and exits the process.
func Execute() {
	err := rootCmd.Execute()
	logx.Close()
	if err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ./config.json, or $CHRONO_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.SetVersionTemplate("chrono version {{.Version}}\n")
}

// outputDirOr resolves an output directory flag against the config
// default.
func outputDirOr(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return cfg.General.GetDefaultOutputDir()
}
