package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chrono-downloader/chrono/internal/batch"
	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/deferred"
	"github.com/chrono-downloader/chrono/internal/history"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/netguard"
	"github.com/chrono-downloader/chrono/internal/pipeline"
	"github.com/chrono-downloader/chrono/internal/provider"
	"github.com/chrono-downloader/chrono/internal/quota"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/state"
	"github.com/chrono-downloader/chrono/internal/tui"
)

var (
	deferredOutput string
	deferredCSV    string

	clearFailed    bool
	clearCompleted bool
	clearAll       bool
)

var deferredCmd = &cobra.Command{
	Use:   "deferred",
	Short: "Inspect and drive the deferred-download queue",
}

var deferredListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued, retrying and settled deferred downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _, err := openQueue()
		if err != nil {
			return err
		}
		fmt.Println(tui.RenderDeferredTable(queue.List(), time.Now()))
		return nil
	},
}

var deferredRetryCmd = &cobra.Command{
	Use:   "retry [ID]",
	Short: "Retry deferred downloads now instead of waiting for quota resets",
	Long: `Retry drives ready items through a download attempt immediately. With
an ID argument only that item is retried (still subject to its
provider's quota). Pass --csv to also mark the originating rows.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputDir := outputDirOr(deferredOutput)
		store, err := state.Open(filepath.Join(outputDir, cfg.Deferred.GetStateFile()))
		if err != nil {
			return err
		}
		quotas := quota.NewManager(cfg, store)
		queue := deferred.NewQueue(store, cfg.Deferred.GetMaxRetries())
		client := request.New(cfg, netguard.NewManager(cfg), budget.New(cfg.Limits))
		registry := provider.NewRegistry(cfg, client, quotas)

		journal, err := history.Open(outputDir)
		if err != nil {
			logx.Warnf("history journal unavailable: %v", err)
			journal = nil
		} else {
			defer journal.Close()
		}

		var rows pipeline.RowMarker
		if deferredCSV != "" {
			worklist, err := batch.OpenWorklist(deferredCSV)
			if err != nil {
				return err
			}
			rows = worklist
		}

		pl := pipeline.New(pipeline.Options{
			Config:   cfg,
			Client:   client,
			Registry: registry,
			Quotas:   quotas,
			Deferred: queue,
			Journal:  journal,
			Rows:     rows,
			Index:    batch.NewIndex(filepath.Join(outputDir, batch.IndexFileName)),
		})
		sched := deferred.NewScheduler(cfg, queue, quotas, registry, pl.RetryExecutor())
		sched.OnFailure = pl.DeferredFailed

		if len(args) == 1 {
			if err := sched.RetryItem(cmd.Context(), args[0]); err != nil {
				return err
			}
		} else {
			sched.CheckNow(cmd.Context())
		}

		fmt.Println(tui.RenderDeferredTable(queue.List(), time.Now()))
		return nil
	},
}

var deferredClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove items from the deferred queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _, err := openQueue()
		if err != nil {
			return err
		}
		var n int
		switch {
		case clearAll:
			n = queue.ClearAll()
		case clearFailed && clearCompleted:
			n = queue.ClearFailed() + queue.ClearCompleted()
		case clearFailed:
			n = queue.ClearFailed()
		case clearCompleted:
			n = queue.ClearCompleted()
		default:
			return errors.New("pick one of --failed, --completed or --all")
		}
		fmt.Printf("removed %d item(s)\n", n)
		return nil
	},
}

// openQueue opens the state store under the output dir and wraps it in
// the deferred queue.
func openQueue() (*deferred.Queue, *state.Store, error) {
	outputDir := outputDirOr(deferredOutput)
	store, err := state.Open(filepath.Join(outputDir, cfg.Deferred.GetStateFile()))
	if err != nil {
		return nil, nil, err
	}
	return deferred.NewQueue(store, cfg.Deferred.GetMaxRetries()), store, nil
}

func init() {
	rootCmd.AddCommand(deferredCmd)
	deferredCmd.AddCommand(deferredListCmd, deferredRetryCmd, deferredClearCmd)

	deferredCmd.PersistentFlags().StringVarP(&deferredOutput, "output", "o", "", "output directory holding the state file (default from config)")
	deferredRetryCmd.Flags().StringVarP(&deferredCSV, "csv", "c", "", "works CSV to mark when retries settle")
	deferredClearCmd.Flags().BoolVar(&clearFailed, "failed", false, "clear items that exhausted their retries")
	deferredClearCmd.Flags().BoolVar(&clearCompleted, "completed", false, "clear items that completed on retry")
	deferredClearCmd.Flags().BoolVar(&clearAll, "all", false, "clear everything, live items included")
}
