package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/deferred"
	"github.com/chrono-downloader/chrono/internal/history"
	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/netguard"
	"github.com/chrono-downloader/chrono/internal/pipeline"
	"github.com/chrono-downloader/chrono/internal/provider"
	"github.com/chrono-downloader/chrono/internal/quota"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/scheduler"
	"github.com/chrono-downloader/chrono/internal/selection"
	"github.com/chrono-downloader/chrono/internal/state"
	"github.com/chrono-downloader/chrono/internal/work"
)

// drainGrace bounds how long an interrupted run waits for in-flight
// downloads before cancelling them.
const drainGrace = 30 * time.Second

// Options are the run knobs the CLI exposes.
type Options struct {
	CSVPath     string
	OutputDir   string
	Sequential  bool
	Workers     int // 0 = config default
	DryRun      bool
	NoScheduler bool // don't start the background deferred scheduler
	Quiet       bool // no progress bar
}

// Runner executes one batch run over a works CSV.
type Runner struct {
	cfg  *config.Config
	opts Options
}

// NewRunner builds a runner; Run does the actual work.
func NewRunner(cfg *config.Config, opts Options) *Runner {
	return &Runner{cfg: cfg, opts: opts}
}

// pipelineOps is the slice of the pipeline the row loop drives.
type pipelineOps interface {
	SearchAndSelect(ctx context.Context, in pipeline.Input, baseDir string) (*pipeline.Outcome, error)
	ExecuteDownload(ctx context.Context, task scheduler.Task) error
	ProcessDirect(ctx context.Context, in pipeline.Input, manifestURL, baseDir string) error
}

// taskPool is the slice of the worker pool the row loop drives.
type taskPool interface {
	Submit(task scheduler.Task) error
	Shutdown(ctx context.Context) error
}

// Run processes every pending CSV row: search on this goroutine,
// downloads on the pool (or inline when sequential). Cancelling ctx
// stops new submissions; in-flight downloads get a grace period to
// finish. The returned error covers setup only; per-row failures land
// in Stats and the marks.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	start := time.Now()

	csvPath := r.opts.CSVPath
	if csvPath == "" {
		csvPath = r.cfg.General.DefaultCSVPath
	}
	if csvPath == "" {
		return stats, errors.New("batch: no CSV path given and none configured")
	}
	outputDir := r.opts.OutputDir
	if outputDir == "" {
		outputDir = r.cfg.General.GetDefaultOutputDir()
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return stats, fmt.Errorf("batch: creating output dir: %w", err)
	}

	worklist, err := OpenWorklist(csvPath)
	if err != nil {
		return stats, err
	}
	store, err := state.Open(filepath.Join(outputDir, r.cfg.Deferred.GetStateFile()))
	if err != nil {
		return stats, err
	}

	quotas := quota.NewManager(r.cfg, store)
	queue := deferred.NewQueue(store, r.cfg.Deferred.GetMaxRetries())
	acct := budget.New(r.cfg.Limits)
	client := request.New(r.cfg, netguard.NewManager(r.cfg), acct)
	registry := provider.NewRegistry(r.cfg, client, quotas)
	selector := selection.New(r.cfg, registry)

	journal, err := history.Open(outputDir)
	if err != nil {
		logx.Warnf("batch: history journal unavailable: %v", err)
		journal = nil
	} else {
		defer journal.Close()
	}

	marker := newCountingMarker(worklist)
	pl := pipeline.New(pipeline.Options{
		Config:   r.cfg,
		Client:   client,
		Registry: registry,
		Selector: selector,
		Quotas:   quotas,
		Deferred: queue,
		Journal:  journal,
		Rows:     marker,
		Index:    NewIndex(filepath.Join(outputDir, IndexFileName)),
	})

	if !r.opts.NoScheduler && !r.opts.DryRun {
		sched := deferred.NewScheduler(r.cfg, queue, quotas, registry, pl.RetryExecutor())
		sched.OnFailure = pl.DeferredFailed
		if sched.Start() {
			defer sched.Stop()
		}
	}

	// A worker count of one means inline downloads with no pool.
	var pool taskPool
	if workers := r.workers(); workers > 1 {
		p := scheduler.New(r.cfg, workers, pl.ExecuteDownload)
		p.Start()
		pool = p
	}

	pending, err := worklist.Pending()
	if err != nil {
		return stats, err
	}
	logx.Infof("batch: %d pending row(s) in %s", len(pending), csvPath)

	var bar *pb.ProgressBar
	if !r.opts.Quiet && !r.opts.DryRun && len(pending) > 0 {
		bar = pb.StartNew(len(pending))
	}

	r.processEntries(ctx, pending, pl, pool, acct, outputDir, bar, &stats)

	if pool != nil {
		shutdownCtx := context.Background()
		if stats.Interrupted {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(shutdownCtx, drainGrace)
			defer cancel()
		}
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logx.Warnf("batch: pool drain cut short: %v", err)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	stats.Succeeded, stats.Failed, stats.Deferred, stats.PerProvider = marker.counts()
	stats.Bytes = acct.Totals()
	stats.Elapsed = time.Since(start)
	acct.LogSummary()
	return stats, nil
}

// processEntries is the row loop. Marks and journal writes happen
// inside the pipeline; this loop only tallies row-level outcomes.
func (r *Runner) processEntries(ctx context.Context, entries []Entry, pl pipelineOps, pool taskPool, acct *budget.Accountant, outputDir string, bar *pb.ProgressBar, stats *Stats) {
	resumeMode := r.cfg.Download.GetResumeMode()

loop:
	for _, entry := range entries {
		if ctx.Err() != nil {
			stats.Interrupted = true
			break
		}
		if acct != nil && acct.Exhausted() {
			logx.Warnf("batch: download budget exhausted, stopping run")
			break
		}
		stats.Processed++
		if bar != nil {
			bar.Increment()
		}

		if r.opts.DryRun {
			if skip, reason := work.CheckStatus(outputDir, entry.EntryID, entry.Title, resumeMode); skip {
				stats.Skipped++
				logx.Infof("dry run: %s would be skipped (%s)", entry.EntryID, reason)
			} else {
				stats.WouldRun++
				logx.Infof("dry run: would fetch %q (%s)", entry.Title, entry.EntryID)
			}
			continue
		}

		in := pipeline.Input{Title: entry.Title, Creator: entry.Author, EntryID: entry.EntryID}

		if entry.DirectLink != "" {
			if iiif.IsManifestURL(entry.DirectLink) {
				// Direct manifests bypass search and the pool.
				if err := pl.ProcessDirect(ctx, in, entry.DirectLink, outputDir); err != nil && ctx.Err() == nil {
					logx.Errorf("batch: entry %s: %v", entry.EntryID, err)
				}
				continue
			}
			logx.Debugf("batch: entry %s direct link is not a manifest, searching instead", entry.EntryID)
		}

		out, err := pl.SearchAndSelect(ctx, in, outputDir)
		if err != nil {
			if ctx.Err() != nil {
				stats.Interrupted = true
				break
			}
			logx.Errorf("batch: entry %s: %v", entry.EntryID, err)
			continue
		}
		switch {
		case out.Skipped:
			stats.Skipped++
			logx.Debugf("batch: skipping %s: %s", entry.EntryID, out.Reason)
		case out.Task == nil:
			if out.Status == work.StatusNoMatch {
				stats.NoMatch++
			}
		case pool != nil:
			if err := pool.Submit(*out.Task); err != nil {
				if errors.Is(err, scheduler.ErrShutdown) {
					stats.Interrupted = true
					break loop
				}
				logx.Errorf("batch: entry %s: %v", entry.EntryID, err)
			}
		default:
			if err := pl.ExecuteDownload(ctx, *out.Task); err != nil && ctx.Err() == nil {
				logx.Errorf("batch: entry %s: %v", entry.EntryID, err)
			}
		}
	}

	if !stats.Interrupted && ctx.Err() != nil {
		stats.Interrupted = true
	}
}

// workers resolves the pool size; anything below two means inline.
func (r *Runner) workers() int {
	if r.opts.Sequential {
		return 0
	}
	if r.opts.Workers > 0 {
		return r.opts.Workers
	}
	return r.cfg.Download.GetMaxParallelDownloads()
}
