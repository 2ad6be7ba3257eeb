// Package pipeline drives one bibliographic entry through its whole
// journey: resume check, provider search, candidate selection, the
// download with its fallback chain, and the bookkeeping that follows
// (work.json, source CSV, run index, history journal).
//
// The flow is split in two phases so a batch run can search on the
// main goroutine while downloads ride the worker pool: SearchAndSelect
// produces a scheduler.Task, ExecuteDownload consumes it. Process glues
// both together for sequential runs and the deferred retry path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/deferred"
	"github.com/chrono-downloader/chrono/internal/history"
	"github.com/chrono-downloader/chrono/internal/iiif"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/match"
	"github.com/chrono-downloader/chrono/internal/naming"
	"github.com/chrono-downloader/chrono/internal/provider"
	"github.com/chrono-downloader/chrono/internal/request"
	"github.com/chrono-downloader/chrono/internal/scheduler"
	"github.com/chrono-downloader/chrono/internal/selection"
	"github.com/chrono-downloader/chrono/internal/work"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

// Input is one entry to process, a CSV row's worth of identity.
type Input struct {
	Title   string
	Creator string
	EntryID string
}

// Outcome reports what the search phase decided for one entry. Task is
// non-nil exactly when a download should run; a skipped or no-match
// entry is already fully settled.
type Outcome struct {
	EntryID string
	WorkID  string
	WorkDir string
	Title   string
	Status  string
	Skipped bool
	Reason  string
	Task    *scheduler.Task
}

// RowMarker mirrors final download outcomes back into the source CSV.
// Implementations serialize their own file access.
type RowMarker interface {
	MarkSuccess(entryID, itemURL, provider string) error
	MarkFailed(entryID string) error
	MarkDeferred(entryID string) error
}

// IndexRow is one line of the run-level index.csv, written once per
// settled work.
type IndexRow struct {
	WorkID              string
	EntryID             string
	WorkDir             string
	Title               string
	Creator             string
	SelectedProvider    string
	SelectedProviderKey string
	SelectedSourceID    string
	SelectedDir         string
	WorkJSON            string
	Status              string
	ItemURL             string
}

// IndexAppender records settled works in the run index.
type IndexAppender interface {
	Append(row IndexRow) error
}

// Connectors resolves provider keys to live connectors. Satisfied by
// *provider.Registry.
type Connectors interface {
	Get(key string) (provider.Provider, bool)
}

// Searcher produces ranked candidates for a query. Satisfied by
// *selection.Selector.
type Searcher interface {
	Select(ctx context.Context, q provider.Query) (*selection.Result, error)
	Snapshot() map[string]any
}

// Options wires a Pipeline. Rows, Index, and Journal are optional;
// a nil field simply skips that piece of bookkeeping.
type Options struct {
	Config   *config.Config
	Client   *request.Client
	Registry Connectors
	Selector Searcher
	Quotas   QuotaView
	Deferred *deferred.Queue
	Journal  *history.Journal
	Rows     RowMarker
	Index    IndexAppender
}

// QuotaView is the slice of the quota manager the pipeline needs: a
// read-only pre-flight check. Usage recording stays inside the
// connectors that enforce their own quotas.
type QuotaView interface {
	HasQuota(key string) bool
	CanDownload(key string) (bool, time.Duration)
	NextReset(key string) time.Time
}

// Pipeline orchestrates the per-entry flow.
type Pipeline struct {
	cfg      *config.Config
	client   *request.Client
	registry Connectors
	selector Searcher
	quotas   QuotaView
	queue    *deferred.Queue
	journal  *history.Journal
	rows     RowMarker
	index    IndexAppender
}

// New builds a Pipeline from its collaborators.
func New(opts Options) *Pipeline {
	return &Pipeline{
		cfg:      opts.Config,
		client:   opts.Client,
		registry: opts.Registry,
		selector: opts.Selector,
		quotas:   opts.Quotas,
		queue:    opts.Deferred,
		journal:  opts.Journal,
		rows:     opts.Rows,
		index:    opts.Index,
	}
}

// SearchAndSelect runs the search phase for one entry: resume check,
// hierarchy search, scoring, selection, and the initial work.json.
// The returned error is a context error only; empty searches settle the
// entry as no_match instead of failing it.
func (p *Pipeline) SearchAndSelect(ctx context.Context, in Input, baseDir string) (*Outcome, error) {
	out := &Outcome{
		EntryID: in.EntryID,
		WorkID:  work.ID(in.Title, in.Creator),
		WorkDir: work.Dir(baseDir, in.EntryID, in.Title),
		Title:   in.Title,
	}

	if skip, reason := work.CheckStatus(baseDir, in.EntryID, in.Title, p.cfg.Download.GetResumeMode()); skip {
		out.Skipped = true
		out.Reason = reason
		logx.Infof("pipeline: skipping %s (%s): %s", in.EntryID, in.Title, reason)
		return out, nil
	}

	res, err := p.selector.Select(ctx, provider.Query{Title: in.Title, Creator: in.Creator})
	if err != nil {
		return nil, err
	}

	rec := &work.Record{
		Input:      work.Input{Title: in.Title, Creator: in.Creator, EntryID: in.EntryID},
		Selection:  p.selector.Snapshot(),
		Candidates: toCandidates(res.Candidates),
	}

	sel := res.Selected()
	if sel == nil {
		rec.Status = work.StatusNoMatch
		if err := work.Create(out.WorkDir, rec); err != nil {
			return nil, err
		}
		out.Status = work.StatusNoMatch
		logx.Infof("pipeline: no qualifying candidate for %s (%s); %d searched",
			in.EntryID, in.Title, len(res.Candidates))
		p.markFailed(in.EntryID)
		p.appendIndex(indexRowFor(out, in, nil))
		p.journalEntry(history.Entry{
			EntryID: in.EntryID, WorkID: out.WorkID, Title: in.Title,
			Status: work.StatusNoMatch,
		})
		return out, nil
	}

	rec.Selected = &work.Selected{
		Provider:    sel.Provider,
		ProviderKey: sel.ProviderKey,
		SourceID:    sel.SourceID,
		Title:       sel.Title,
	}
	if err := work.Create(out.WorkDir, rec); err != nil {
		return nil, err
	}

	wc := workctx.New(out.WorkID, in.EntryID, naming.ToSnakeCase(in.Title))
	p.saveCandidateRecords(res.Candidates, out.WorkDir, wc)

	out.Status = work.StatusPending
	out.Task = &scheduler.Task{
		EntryID:   in.EntryID,
		WorkID:    out.WorkID,
		WorkDir:   out.WorkDir,
		Result:    *sel,
		Fallbacks: fallbacksFor(res, sel),
		Ctx:       wc,
	}
	logx.Infof("pipeline: selected %s (%s) for %s; %d candidate(s), %d qualified",
		sel.Title, sel.ProviderKey, in.EntryID, len(res.Candidates), len(res.Qualifiers))
	return out, nil
}

// ExecuteDownload runs the download phase for one task: primary
// connector, deferred-queue handoff on quota exhaustion, fallback chain
// on failure, extra pulls under strategy "all", then the final
// bookkeeping. A nil return means the entry is settled (completed or
// deferred); an error means it failed.
func (p *Pipeline) ExecuteDownload(ctx context.Context, task scheduler.Task) error {
	wc := task.Ctx
	if wc == nil {
		wc = workctx.New(task.WorkID, task.EntryID, "")
	}

	attempted := map[candidateKey]bool{
		{task.Result.ProviderKey, task.Result.SourceID}: true,
	}

	if qde := p.quotaGate(task.Result.ProviderKey); qde != nil {
		return p.deferTask(task, qde)
	}

	var winner *provider.SearchResult
	err := p.download(ctx, wc, task.Result, task.WorkDir)
	var qde *provider.QuotaDeferredError
	switch {
	case err == nil:
		winner = &task.Result
	case errors.As(err, &qde):
		return p.deferTask(task, qde)
	case ctx.Err() != nil:
		// Cancelled mid-download: leave work.json pending so a rerun
		// picks the entry up again.
		return ctx.Err()
	default:
		logx.Warnf("pipeline: %s download failed for %s: %v", task.Result.ProviderKey, task.EntryID, err)
		winner = p.runFallbacks(ctx, wc, task, attempted)
	}

	if winner == nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		p.settle(task, nil, work.StatusFailed)
		return fmt.Errorf("pipeline: every candidate failed for %s", task.EntryID)
	}

	if p.cfg.Selection.GetDownloadStrategy() == config.DownloadAll {
		p.downloadRemaining(ctx, wc, task, attempted, winner)
	}

	p.settle(task, winner, work.StatusCompleted)
	return nil
}

// Process is the sequential convenience: both phases inline.
func (p *Pipeline) Process(ctx context.Context, in Input, baseDir string) error {
	out, err := p.SearchAndSelect(ctx, in, baseDir)
	if err != nil {
		return err
	}
	if out.Skipped || out.Task == nil {
		return nil
	}
	return p.ExecuteDownload(ctx, *out.Task)
}

// ProcessDirect handles a row that carries its own IIIF manifest link:
// no search, the manifest is the selection.
func (p *Pipeline) ProcessDirect(ctx context.Context, in Input, manifestURL, baseDir string) error {
	out := &Outcome{
		EntryID: in.EntryID,
		WorkID:  work.ID(in.Title, in.Creator),
		WorkDir: work.Dir(baseDir, in.EntryID, in.Title),
		Title:   in.Title,
	}
	if skip, reason := work.CheckStatus(baseDir, in.EntryID, in.Title, p.cfg.Download.GetResumeMode()); skip {
		logx.Infof("pipeline: skipping %s (%s): %s", in.EntryID, in.Title, reason)
		return nil
	}

	key, display := iiif.DetectProvider(manifestURL)
	rec := &work.Record{
		Input:     work.Input{Title: in.Title, Creator: in.Creator, EntryID: in.EntryID},
		Selection: map[string]any{"strategy": "direct_link", "manifest_url": manifestURL},
		Candidates: []work.Candidate{{
			Provider:     display,
			ProviderKey:  key,
			Title:        in.Title,
			Creators:     creatorsFor(in.Creator),
			IIIFManifest: manifestURL,
		}},
		Selected: &work.Selected{Provider: display, ProviderKey: key, Title: in.Title},
	}
	if err := work.Create(out.WorkDir, rec); err != nil {
		return err
	}

	wc := workctx.New(out.WorkID, in.EntryID, naming.ToSnakeCase(in.Title)).WithProvider(key)
	got, err := iiif.DownloadManifestAndImages(ctx, p.client, wc, manifestURL, out.WorkDir,
		p.cfg.MaxPages(key), p.cfg.Download.GetPreferPDFOverImages())
	task := scheduler.Task{
		EntryID: in.EntryID,
		WorkID:  out.WorkID,
		WorkDir: out.WorkDir,
		Result: provider.SearchResult{
			Provider:    display,
			ProviderKey: key,
			Title:       in.Title,
			ItemURL:     manifestURL,
			ManifestURL: manifestURL,
		},
		Ctx: wc,
	}
	if err != nil || !got {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			logx.Warnf("pipeline: direct manifest failed for %s: %v", in.EntryID, err)
		}
		p.settle(task, nil, work.StatusFailed)
		return fmt.Errorf("pipeline: direct manifest yielded nothing for %s", in.EntryID)
	}
	p.settle(task, &task.Result, work.StatusCompleted)
	return nil
}

// RetryExecutor adapts the download phase for the deferred scheduler:
// the revived result is downloaded into its original work directory and
// the usual bookkeeping runs on success.
func (p *Pipeline) RetryExecutor() deferred.ExecuteFunc {
	return func(ctx context.Context, res provider.SearchResult, item deferred.Item) error {
		prov, ok := p.registry.Get(item.ProviderKey)
		if !ok {
			return fmt.Errorf("pipeline: no connector for %q", item.ProviderKey)
		}
		wid := work.ID(item.Title, item.Creator)
		wc := workctx.New(wid, item.EntryID, naming.ToSnakeCase(item.Title)).WithProvider(item.ProviderKey)
		if err := prov.Download(ctx, wc, res, item.WorkDir); err != nil {
			return err
		}

		if err := work.UpdateStatus(item.WorkDir, work.StatusCompleted, map[string]any{
			"provider":  item.ProviderKey,
			"source_id": item.SourceID,
		}); err != nil {
			logx.Warnf("pipeline: updating %s after retry: %v", item.WorkDir, err)
		}
		p.markSuccess(item.EntryID, item.ItemURL, item.ProviderDisplay)
		files, bytes := p.artefactTotals(item.WorkDir, wid)
		p.journalEntry(history.Entry{
			EntryID: item.EntryID, WorkID: wid, Provider: item.ProviderKey,
			SourceID: item.SourceID, Title: item.Title, Files: files, Bytes: bytes,
			Status: work.StatusCompleted,
		})
		return nil
	}
}

// DeferredFailed settles an item whose retry budget ran out. Wired as
// the deferred scheduler's failure hook.
func (p *Pipeline) DeferredFailed(item deferred.Item, reason string) {
	if item.WorkDir != "" {
		if err := work.UpdateStatus(item.WorkDir, work.StatusFailed, map[string]any{
			"provider": item.ProviderKey,
			"error":    reason,
		}); err != nil {
			logx.Warnf("pipeline: updating %s after retry failure: %v", item.WorkDir, err)
		}
	}
	p.markFailed(item.EntryID)
	p.journalEntry(history.Entry{
		EntryID: item.EntryID, WorkID: work.ID(item.Title, item.Creator),
		Provider: item.ProviderKey, SourceID: item.SourceID, Title: item.Title,
		Status: work.StatusFailed,
	})
	logx.Warnf("pipeline: deferred download for %s gave up: %s", item.EntryID, reason)
}

type candidateKey struct {
	providerKey string
	sourceID    string
}

// quotaGate synthesizes a deferral for quota-enabled providers whose
// period is spent, saving the connector call. Connectors that enforce
// their own quotas remain the source of truth; this check never
// consumes an allowance.
func (p *Pipeline) quotaGate(key string) *provider.QuotaDeferredError {
	if p.quotas == nil || !p.quotas.HasQuota(key) {
		return nil
	}
	if ok, _ := p.quotas.CanDownload(key); ok {
		return nil
	}
	return &provider.QuotaDeferredError{
		Provider:  key,
		ResetTime: p.quotas.NextReset(key),
	}
}

// download resolves the connector and stamps the work context with its
// key. Sequential callers arrive unstamped; the pool already stamped
// the primary, and restamping is harmless.
func (p *Pipeline) download(ctx context.Context, wc *workctx.Context, res provider.SearchResult, workDir string) error {
	prov, ok := p.registry.Get(res.ProviderKey)
	if !ok {
		return fmt.Errorf("pipeline: no connector for %q", res.ProviderKey)
	}
	return prov.Download(ctx, wc.WithProvider(res.ProviderKey), res, workDir)
}

// runFallbacks walks the remaining qualifiers in rank order. Quota
// exhaustion here is a skip, not a deferral: only the primary candidate
// earns a queue slot.
func (p *Pipeline) runFallbacks(ctx context.Context, wc *workctx.Context, task scheduler.Task, attempted map[candidateKey]bool) *provider.SearchResult {
	for i := range task.Fallbacks {
		if ctx.Err() != nil {
			return nil
		}
		cand := &task.Fallbacks[i]
		key := candidateKey{cand.ProviderKey, cand.SourceID}
		if attempted[key] {
			continue
		}
		attempted[key] = true
		if p.quotaGate(cand.ProviderKey) != nil {
			logx.Infof("pipeline: fallback %s quota-exhausted for %s; skipping", cand.ProviderKey, task.EntryID)
			continue
		}

		logx.Infof("pipeline: falling back to %s (%s) for %s", cand.Title, cand.ProviderKey, task.EntryID)
		err := p.download(ctx, wc, *cand, task.WorkDir)
		if err == nil {
			return cand
		}
		var qde *provider.QuotaDeferredError
		if errors.As(err, &qde) {
			logx.Infof("pipeline: fallback %s quota-exhausted for %s; skipping", cand.ProviderKey, task.EntryID)
			continue
		}
		logx.Warnf("pipeline: fallback %s failed for %s: %v", cand.ProviderKey, task.EntryID, err)
	}
	return nil
}

// downloadRemaining pulls every qualifier not yet attempted into the
// same work directory, best-effort. Strategy "all" only.
func (p *Pipeline) downloadRemaining(ctx context.Context, wc *workctx.Context, task scheduler.Task, attempted map[candidateKey]bool, winner *provider.SearchResult) {
	for i := range task.Fallbacks {
		if ctx.Err() != nil {
			return
		}
		cand := &task.Fallbacks[i]
		key := candidateKey{cand.ProviderKey, cand.SourceID}
		if attempted[key] || key == (candidateKey{winner.ProviderKey, winner.SourceID}) {
			continue
		}
		attempted[key] = true
		if p.quotaGate(cand.ProviderKey) != nil {
			continue
		}
		if err := p.download(ctx, wc, *cand, task.WorkDir); err != nil {
			logx.Warnf("pipeline: extra download %s failed for %s: %v", cand.ProviderKey, task.EntryID, err)
		}
	}
}

// deferTask parks the primary candidate on the deferred queue and
// settles the entry as deferred for this run.
func (p *Pipeline) deferTask(task scheduler.Task, qde *provider.QuotaDeferredError) error {
	res := task.Result
	title, creator := task.Result.Title, strings.Join(task.Result.Creators, "; ")
	if rec, err := work.Load(task.WorkDir); err == nil {
		title, creator = rec.Input.Title, rec.Input.Creator
	}

	var id string
	if p.queue != nil {
		id = p.queue.Add(deferred.Item{
			Title:           title,
			Creator:         creator,
			EntryID:         task.EntryID,
			ProviderKey:     res.ProviderKey,
			ProviderDisplay: res.Provider,
			SourceID:        res.SourceID,
			WorkDir:         task.WorkDir,
			BaseOutputDir:   filepath.Dir(task.WorkDir),
			ItemURL:         res.ItemURL,
			ResetTime:       qde.ResetTime,
			Raw:             res.Raw,
		})
	}
	if err := work.UpdateStatus(task.WorkDir, work.StatusDeferred, map[string]any{
		"provider":    res.ProviderKey,
		"source_id":   res.SourceID,
		"deferred_id": id,
	}); err != nil {
		logx.Warnf("pipeline: updating %s: %v", task.WorkDir, err)
	}
	p.markDeferred(task.EntryID)
	p.appendIndex(p.settledRow(task, &res, work.StatusDeferred))
	p.journalEntry(history.Entry{
		EntryID: task.EntryID, WorkID: task.WorkID, Provider: res.ProviderKey,
		SourceID: res.SourceID, Title: title, Status: work.StatusDeferred,
	})
	logx.Infof("pipeline: deferred %s until %s (%s)", task.EntryID,
		qde.ResetTime.Format(time.RFC3339), res.ProviderKey)
	return nil
}

// settle writes the terminal status everywhere it belongs: work.json,
// the source CSV, the run index, and the history journal.
func (p *Pipeline) settle(task scheduler.Task, winner *provider.SearchResult, status string) {
	var download map[string]any
	if winner != nil {
		download = map[string]any{
			"provider":  winner.ProviderKey,
			"source_id": winner.SourceID,
		}
	}
	if err := work.UpdateStatus(task.WorkDir, status, download); err != nil {
		logx.Warnf("pipeline: updating %s: %v", task.WorkDir, err)
	}

	if status == work.StatusCompleted && winner != nil {
		p.markSuccess(task.EntryID, winner.ItemURL, winner.Provider)
	} else {
		p.markFailed(task.EntryID)
	}

	p.appendIndex(p.settledRow(task, winner, status))

	entry := history.Entry{EntryID: task.EntryID, WorkID: task.WorkID, Status: status}
	if winner != nil {
		entry.Provider = winner.ProviderKey
		entry.SourceID = winner.SourceID
		entry.Title = winner.Title
		entry.Files, entry.Bytes = p.artefactTotals(task.WorkDir, task.WorkID)
	}
	p.journalEntry(entry)
}

// settledRow builds the index row for a finished task, preferring the
// candidate that actually produced the artefacts.
func (p *Pipeline) settledRow(task scheduler.Task, winner *provider.SearchResult, status string) IndexRow {
	row := IndexRow{
		WorkID:   task.WorkID,
		EntryID:  task.EntryID,
		WorkDir:  task.WorkDir,
		WorkJSON: work.Path(task.WorkDir),
		Status:   status,
	}
	if rec, err := work.Load(task.WorkDir); err == nil {
		row.Title = rec.Input.Title
		row.Creator = rec.Input.Creator
	}
	if winner != nil {
		row.SelectedProvider = winner.Provider
		row.SelectedProviderKey = winner.ProviderKey
		row.SelectedSourceID = winner.SourceID
		row.SelectedDir = task.WorkDir
		row.ItemURL = winner.ItemURL
	}
	return row
}

func indexRowFor(out *Outcome, in Input, winner *provider.SearchResult) IndexRow {
	row := IndexRow{
		WorkID:   out.WorkID,
		EntryID:  out.EntryID,
		WorkDir:  out.WorkDir,
		Title:    in.Title,
		Creator:  in.Creator,
		WorkJSON: work.Path(out.WorkDir),
		Status:   out.Status,
	}
	if winner != nil {
		row.SelectedProvider = winner.Provider
		row.SelectedProviderKey = winner.ProviderKey
		row.SelectedSourceID = winner.SourceID
		row.SelectedDir = out.WorkDir
		row.ItemURL = winner.ItemURL
	}
	return row
}

// saveCandidateRecords persists each candidate's provider-neutral
// record under metadata/. keep_non_selected_metadata gates it, except
// that strategy selected_plus_metadata forces the audit on.
func (p *Pipeline) saveCandidateRecords(candidates []provider.SearchResult, workDir string, wc *workctx.Context) {
	strategy := p.cfg.Selection.GetDownloadStrategy()
	if !p.cfg.Selection.GetKeepNonSelectedMetadata() && strategy != config.DownloadSelectedPlusMetadata {
		return
	}
	for i := range candidates {
		c := &candidates[i]
		if _, err := p.client.SaveJSON(wc.WithProvider(c.ProviderKey), c, workDir, "search_result"); err != nil {
			logx.Warnf("pipeline: saving candidate record from %s: %v", c.ProviderKey, err)
		}
	}
}

// artefactTotals counts objects/ files and sums the budget's byte
// classes for one work.
func (p *Pipeline) artefactTotals(workDir, workID string) (files int, bytes int64) {
	entries, err := os.ReadDir(filepath.Join(workDir, request.ObjectsDir))
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				files++
			}
		}
	}
	if p.client != nil {
		if acct := p.client.Budget(); acct != nil {
			for _, n := range acct.WorkTotals(workID) {
				bytes += n
			}
		}
	}
	return files, bytes
}

func (p *Pipeline) markSuccess(entryID, itemURL, providerName string) {
	if p.rows == nil {
		return
	}
	if err := p.rows.MarkSuccess(entryID, itemURL, providerName); err != nil {
		logx.Warnf("pipeline: marking %s retrievable: %v", entryID, err)
	}
}

func (p *Pipeline) markFailed(entryID string) {
	if p.rows == nil {
		return
	}
	if err := p.rows.MarkFailed(entryID); err != nil {
		logx.Warnf("pipeline: marking %s failed: %v", entryID, err)
	}
}

func (p *Pipeline) markDeferred(entryID string) {
	if p.rows == nil {
		return
	}
	if err := p.rows.MarkDeferred(entryID); err != nil {
		logx.Warnf("pipeline: marking %s deferred: %v", entryID, err)
	}
}

func (p *Pipeline) appendIndex(row IndexRow) {
	if p.index == nil {
		return
	}
	if err := p.index.Append(row); err != nil {
		logx.Warnf("pipeline: appending index row for %s: %v", row.EntryID, err)
	}
}

// journalEntry records to the history journal, best-effort: journal
// trouble never fails a download.
func (p *Pipeline) journalEntry(e history.Entry) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Record(e); err != nil {
		logx.Warnf("pipeline: recording history for %s: %v", e.EntryID, err)
	}
}

func toCandidates(results []provider.SearchResult) []work.Candidate {
	out := make([]work.Candidate, 0, len(results))
	for i := range results {
		r := &results[i]
		var sc match.Scores
		if r.Scores != nil {
			sc = *r.Scores
		}
		out = append(out, work.Candidate{
			Provider:     r.Provider,
			ProviderKey:  r.ProviderKey,
			Title:        r.Title,
			Creators:     r.Creators,
			Date:         r.Date,
			SourceID:     r.SourceID,
			ItemURL:      r.ItemURL,
			IIIFManifest: r.ManifestURL,
			Scores:       sc,
		})
	}
	return out
}

// fallbacksFor returns the qualifiers after the selected one, rank
// order preserved.
func fallbacksFor(res *selection.Result, sel *provider.SearchResult) []provider.SearchResult {
	var out []provider.SearchResult
	for i := range res.Qualifiers {
		q := &res.Qualifiers[i]
		if q.ProviderKey == sel.ProviderKey && q.SourceID == sel.SourceID {
			continue
		}
		out = append(out, *q)
	}
	return out
}

func creatorsFor(creator string) []string {
	if creator == "" {
		return nil
	}
	return []string{creator}
}
