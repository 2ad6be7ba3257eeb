package batch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/pipeline"
	"github.com/chrono-downloader/chrono/internal/provider"
	"github.com/chrono-downloader/chrono/internal/scheduler"
	"github.com/chrono-downloader/chrono/internal/work"
)

// fakePipe scripts SearchAndSelect outcomes per entry and records what
// the loop asked it to do.
type fakePipe struct {
	mu        sync.Mutex
	outcomes  map[string]*pipeline.Outcome
	searchErr map[string]error

	searched []string
	executed []string
	directs  []string
	execErr  error
}

func newFakePipe() *fakePipe {
	return &fakePipe{
		outcomes:  make(map[string]*pipeline.Outcome),
		searchErr: make(map[string]error),
	}
}

func (f *fakePipe) SearchAndSelect(ctx context.Context, in pipeline.Input, baseDir string) (*pipeline.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched = append(f.searched, in.EntryID)
	if err := f.searchErr[in.EntryID]; err != nil {
		return nil, err
	}
	if out, ok := f.outcomes[in.EntryID]; ok {
		return out, nil
	}
	return &pipeline.Outcome{EntryID: in.EntryID, Status: work.StatusNoMatch}, nil
}

func (f *fakePipe) ExecuteDownload(ctx context.Context, task scheduler.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, task.EntryID)
	return f.execErr
}

func (f *fakePipe) ProcessDirect(ctx context.Context, in pipeline.Input, manifestURL, baseDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directs = append(f.directs, manifestURL)
	return nil
}

type fakePool struct {
	mu        sync.Mutex
	submitted []scheduler.Task
	submitErr error
	shutdowns int
}

func (f *fakePool) Submit(task scheduler.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, task)
	return nil
}

func (f *fakePool) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func taskOutcome(entryID string) *pipeline.Outcome {
	return &pipeline.Outcome{
		EntryID: entryID,
		Status:  work.StatusPending,
		Task: &scheduler.Task{
			EntryID: entryID,
			Result:  provider.SearchResult{ProviderKey: "internet_archive", Title: "Dracula"},
		},
	}
}

func TestProcessEntriesSequential(t *testing.T) {
	pipe := newFakePipe()
	pipe.outcomes["E0001"] = taskOutcome("E0001")
	pipe.outcomes["E0002"] = &pipeline.Outcome{EntryID: "E0002", Skipped: true, Reason: "status=completed in work.json"}
	pipe.outcomes["E0003"] = &pipeline.Outcome{EntryID: "E0003", Status: work.StatusNoMatch}

	r := NewRunner(&config.Config{}, Options{Sequential: true})
	var stats Stats
	entries := []Entry{
		{EntryID: "E0001", Title: "Dracula"},
		{EntryID: "E0002", Title: "Frankenstein"},
		{EntryID: "E0003", Title: "Carmilla"},
	}
	r.processEntries(context.Background(), entries, pipe, nil, nil, t.TempDir(), nil, &stats)

	assert.Equal(t, []string{"E0001"}, pipe.executed)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.NoMatch)
	assert.False(t, stats.Interrupted)
}

func TestProcessEntriesSubmitsToPool(t *testing.T) {
	pipe := newFakePipe()
	pipe.outcomes["E0001"] = taskOutcome("E0001")
	pool := &fakePool{}

	r := NewRunner(&config.Config{}, Options{})
	var stats Stats
	r.processEntries(context.Background(), []Entry{{EntryID: "E0001", Title: "Dracula"}}, pipe, pool, nil, t.TempDir(), nil, &stats)

	require.Len(t, pool.submitted, 1)
	assert.Equal(t, "E0001", pool.submitted[0].EntryID)
	assert.Empty(t, pipe.executed, "parallel mode must not download inline")
}

func TestProcessEntriesStopsWhenPoolDrains(t *testing.T) {
	pipe := newFakePipe()
	pipe.outcomes["E0001"] = taskOutcome("E0001")
	pipe.outcomes["E0002"] = taskOutcome("E0002")
	pool := &fakePool{submitErr: scheduler.ErrShutdown}

	r := NewRunner(&config.Config{}, Options{})
	var stats Stats
	entries := []Entry{{EntryID: "E0001", Title: "A"}, {EntryID: "E0002", Title: "B"}}
	r.processEntries(context.Background(), entries, pipe, pool, nil, t.TempDir(), nil, &stats)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Processed, "loop must stop at the first refused submit")
}

func TestProcessEntriesDirectManifestBypassesSearch(t *testing.T) {
	pipe := newFakePipe()
	r := NewRunner(&config.Config{}, Options{Sequential: true})
	var stats Stats
	entries := []Entry{{
		EntryID:    "E0001",
		Title:      "Heures de Notre-Dame",
		DirectLink: "https://gallica.bnf.fr/iiif/ark:/12148/btv1b8451103b/manifest.json",
	}}
	r.processEntries(context.Background(), entries, pipe, nil, nil, t.TempDir(), nil, &stats)

	assert.Equal(t, []string{"https://gallica.bnf.fr/iiif/ark:/12148/btv1b8451103b/manifest.json"}, pipe.directs)
	assert.Empty(t, pipe.searched)
}

func TestProcessEntriesNonManifestLinkFallsBackToSearch(t *testing.T) {
	pipe := newFakePipe()
	r := NewRunner(&config.Config{}, Options{Sequential: true})
	var stats Stats
	entries := []Entry{{EntryID: "E0001", Title: "Dracula", DirectLink: "https://example.org/dracula.pdf"}}
	r.processEntries(context.Background(), entries, pipe, nil, nil, t.TempDir(), nil, &stats)

	assert.Empty(t, pipe.directs)
	assert.Equal(t, []string{"E0001"}, pipe.searched)
}

func TestProcessEntriesDryRun(t *testing.T) {
	pipe := newFakePipe()
	r := NewRunner(&config.Config{}, Options{DryRun: true})
	var stats Stats
	entries := []Entry{
		{EntryID: "E0001", Title: "Dracula"},
		{EntryID: "E0002", Title: "Frankenstein"},
	}
	r.processEntries(context.Background(), entries, pipe, nil, nil, t.TempDir(), nil, &stats)

	assert.Equal(t, 2, stats.WouldRun)
	assert.Empty(t, pipe.searched, "dry run must not touch providers")
}

func TestProcessEntriesDryRunHonoursResume(t *testing.T) {
	base := t.TempDir()
	dir := work.Dir(base, "E0001", "Dracula")
	require.NoError(t, work.Create(dir, &work.Record{
		Input:  work.Input{Title: "Dracula", EntryID: "E0001"},
		Status: work.StatusCompleted,
	}))

	pipe := newFakePipe()
	r := NewRunner(&config.Config{}, Options{DryRun: true})
	var stats Stats
	r.processEntries(context.Background(), []Entry{{EntryID: "E0001", Title: "Dracula"}}, pipe, nil, nil, base, nil, &stats)

	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.WouldRun)
}

func TestProcessEntriesBudgetStopsRun(t *testing.T) {
	acct := budget.New(config.LimitSettings{
		Total:    config.TotalLimits{PDFsGB: 0.000000001},
		OnExceed: "stop",
	})
	// Trip the stop policy before the loop starts.
	require.False(t, acct.Allow(budget.ClassPDFs, "w1", 1<<20))
	require.True(t, acct.Exhausted())

	pipe := newFakePipe()
	pipe.outcomes["E0001"] = taskOutcome("E0001")
	r := NewRunner(&config.Config{}, Options{Sequential: true})
	var stats Stats
	r.processEntries(context.Background(), []Entry{{EntryID: "E0001", Title: "Dracula"}}, pipe, nil, acct, t.TempDir(), nil, &stats)

	assert.Zero(t, stats.Processed)
	assert.Empty(t, pipe.searched)
}

func TestProcessEntriesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pipe := newFakePipe()
	r := NewRunner(&config.Config{}, Options{Sequential: true})
	var stats Stats
	r.processEntries(ctx, []Entry{{EntryID: "E0001", Title: "Dracula"}}, pipe, nil, nil, t.TempDir(), nil, &stats)

	assert.True(t, stats.Interrupted)
	assert.Zero(t, stats.Processed)
}

func TestRunnerWorkerResolution(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, 0, NewRunner(cfg, Options{Sequential: true, Workers: 8}).workers())
	assert.Equal(t, 8, NewRunner(cfg, Options{Workers: 8}).workers())
	// Config default is one worker: the inline path.
	assert.Equal(t, 1, NewRunner(cfg, Options{}).workers())

	cfg.Download.MaxParallelDownloads = 4
	assert.Equal(t, 4, NewRunner(cfg, Options{}).workers())
}

func TestStatsExitCode(t *testing.T) {
	assert.Equal(t, 0, Stats{Succeeded: 3}.ExitCode())
	assert.Equal(t, 1, Stats{Failed: 1}.ExitCode())
	assert.Equal(t, 130, Stats{Failed: 1, Interrupted: true}.ExitCode())
}

func TestCountingMarker(t *testing.T) {
	path := writeCSV(t,
		"entry_id,short_title",
		"E0001,Dracula",
		"E0002,Frankenstein",
		"E0003,Carmilla",
	)
	w, err := OpenWorklist(path)
	require.NoError(t, err)

	m := newCountingMarker(w)
	require.NoError(t, m.MarkSuccess("E0001", "https://archive.org/details/d", "Internet Archive"))
	require.NoError(t, m.MarkFailed("E0002"))
	require.NoError(t, m.MarkDeferred("E0003"))

	s, f, d, perProvider := m.counts()
	assert.Equal(t, 1, s)
	assert.Equal(t, 1, f)
	assert.Equal(t, 1, d)
	assert.Equal(t, map[string]int{"Internet Archive": 1}, perProvider)

	// The marks went through to the CSV as well.
	header, rows := readCSV(t, path)
	assert.Equal(t, "true", cell(t, header, rows[0], "retrievable"))
	assert.Equal(t, "false", cell(t, header, rows[1], "retrievable"))
}
