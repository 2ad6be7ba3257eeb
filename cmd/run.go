package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chrono-downloader/chrono/internal/batch"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/tui"
)

var runOpts batch.Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every pending row in the works CSV",
	Long: `Run searches the enabled providers for each pending CSV row, selects
the best candidate and downloads it into a per-work directory under the
output root. Rows already marked retrievable, and works whose work.json
says completed, are skipped. The first interrupt stops new rows and
drains in-flight downloads; a second one aborts immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outputDir := outputDirOr(runOpts.OutputDir)
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return err
		}
		if cfg.Logging.GetFileEnabled() {
			logsDir := filepath.Join(outputDir, "logs")
			if err := logx.ConfigureFile(logsDir); err != nil {
				logx.Warnf("file logging unavailable: %v", err)
			} else {
				logx.CleanupLogs(logsDir, 10)
			}
		}

		locked, release, err := acquireLock(outputDir)
		if err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("another run is already writing to %s", outputDir)
		}
		defer release()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go watchInterrupts(cancel)

		runOpts.OutputDir = outputDir
		stats, err := batch.NewRunner(cfg, runOpts).Run(ctx)
		if err != nil {
			return err
		}
		fmt.Println(tui.RenderRunSummary(stats))
		exitCode = stats.ExitCode()
		return nil
	},
}

// watchInterrupts cancels the run on the first signal and kills the
// process on the second, for runs stuck in a drain.
func watchInterrupts(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logx.Warnf("interrupt: finishing in-flight downloads, interrupt again to abort")
	cancel()
	<-sig
	logx.Errorf("second interrupt: aborting")
	os.Exit(130)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runOpts.CSVPath, "csv", "c", "", "works CSV path (default from config)")
	runCmd.Flags().StringVarP(&runOpts.OutputDir, "output", "o", "", "output directory (default from config)")
	runCmd.Flags().BoolVar(&runOpts.Sequential, "sequential", false, "download inline instead of on the worker pool")
	runCmd.Flags().IntVarP(&runOpts.Workers, "workers", "w", 0, "download workers (default from config)")
	runCmd.Flags().BoolVar(&runOpts.DryRun, "dry-run", false, "report what would be fetched without downloading")
	runCmd.Flags().BoolVar(&runOpts.NoScheduler, "no-scheduler", false, "don't start the background deferred-retry scheduler")
	runCmd.Flags().BoolVarP(&runOpts.Quiet, "quiet", "q", false, "suppress the progress bar")
}
