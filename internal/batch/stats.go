package batch

import (
	"sync"
	"time"

	"github.com/chrono-downloader/chrono/internal/budget"
	"github.com/chrono-downloader/chrono/internal/pipeline"
)

// Stats is what a batch run leaves behind for the caller to render and
// turn into an exit code.
type Stats struct {
	Processed int // pending rows handled this run, skips included
	Succeeded int
	Failed    int // includes no-match rows
	Deferred  int
	Skipped   int
	NoMatch   int
	WouldRun  int // dry-run only: rows that would have been processed

	Interrupted bool
	Elapsed     time.Duration

	Bytes       map[budget.Class]int64
	PerProvider map[string]int // successful downloads keyed by provider display name
}

// TotalBytes sums every byte class.
func (s Stats) TotalBytes() int64 {
	var n int64
	for _, v := range s.Bytes {
		n += v
	}
	return n
}

// ExitCode maps the run outcome onto the process exit code: 130 when
// interrupted, 1 when anything failed, 0 otherwise.
func (s Stats) ExitCode() int {
	switch {
	case s.Interrupted:
		return 130
	case s.Failed > 0:
		return 1
	default:
		return 0
	}
}

// countingMarker wraps the worklist so every mark the pipeline makes is
// tallied for the summary. Pool workers mark concurrently.
type countingMarker struct {
	rows pipeline.RowMarker

	mu          sync.Mutex
	succeeded   int
	failed      int
	deferred    int
	perProvider map[string]int
}

func newCountingMarker(rows pipeline.RowMarker) *countingMarker {
	return &countingMarker{rows: rows, perProvider: make(map[string]int)}
}

func (c *countingMarker) MarkSuccess(entryID, itemURL, providerName string) error {
	c.mu.Lock()
	c.succeeded++
	if providerName != "" {
		c.perProvider[providerName]++
	}
	c.mu.Unlock()
	return c.rows.MarkSuccess(entryID, itemURL, providerName)
}

func (c *countingMarker) MarkFailed(entryID string) error {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
	return c.rows.MarkFailed(entryID)
}

func (c *countingMarker) MarkDeferred(entryID string) error {
	c.mu.Lock()
	c.deferred++
	c.mu.Unlock()
	return c.rows.MarkDeferred(entryID)
}

func (c *countingMarker) counts() (succeeded, failed, deferred int, perProvider map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.perProvider))
	for k, v := range c.perProvider {
		out[k] = v
	}
	return c.succeeded, c.failed, c.deferred, out
}
