// Package batch is the execution façade for CSV-driven runs: it owns
// the works CSV, the run-level index, and the row loop that feeds the
// pipeline and the worker pool.
package batch

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Column names the engine understands. Anything else in the CSV passes
// through rewrites untouched.
const (
	colEntryID     = "entry_id"
	colTitle       = "short_title"
	colAuthor      = "main_author"
	colDirectLink  = "direct_link"
	colRetrievable = "retrievable"
	colLink        = "link"
	colProvider    = "download_provider"
	colTimestamp   = "download_timestamp"
)

// Entry is one works-CSV row, reduced to the fields the engine reads.
type Entry struct {
	EntryID     string
	Title       string
	Author      string
	DirectLink  string
	Retrievable string
}

// Done reports whether the row is already marked retrieved. Blank and
// explicitly false rows are both eligible for processing.
func (e Entry) Done() bool {
	switch strings.ToLower(strings.TrimSpace(e.Retrievable)) {
	case "true", "1", "yes", "y":
		return true
	}
	return false
}

// Worklist is the works CSV. Every mark is a full read-modify-write
// under the mutex with an atomic replace, so marks from pool workers
// never interleave mid-file.
type Worklist struct {
	path string
	mu   sync.Mutex
}

// OpenWorklist validates that the file parses and carries the required
// columns (entry_id, short_title).
func OpenWorklist(path string) (*Worklist, error) {
	w := &Worklist{path: path}
	if _, err := w.read(); err != nil {
		return nil, err
	}
	return w, nil
}

// Path returns the underlying CSV path.
func (w *Worklist) Path() string { return w.path }

// Entries returns every row. Rows with a blank entry_id get a
// synthesised `E{row:04d}` identifier, stable across reads because it
// derives from the row position.
func (w *Worklist) Entries() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, err := w.read()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(doc.rows))
	for _, row := range doc.rows {
		out = append(out, Entry{
			EntryID:     doc.get(row, colEntryID),
			Title:       strings.TrimSpace(doc.get(row, colTitle)),
			Author:      strings.TrimSpace(doc.get(row, colAuthor)),
			DirectLink:  strings.TrimSpace(doc.get(row, colDirectLink)),
			Retrievable: strings.TrimSpace(doc.get(row, colRetrievable)),
		})
	}
	return out, nil
}

// Pending returns the rows still to fetch.
func (w *Worklist) Pending() ([]Entry, error) {
	all, err := w.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if !e.Done() {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkSuccess flips the row to retrievable=true and records where the
// item came from.
func (w *Worklist) MarkSuccess(entryID, itemURL, providerName string) error {
	return w.update(entryID, func(d *document, i int) {
		d.set(i, colRetrievable, "true")
		if itemURL != "" {
			d.set(i, colLink, itemURL)
		}
		d.set(i, colProvider, providerName)
		d.set(i, colTimestamp, time.Now().UTC().Format(time.RFC3339))
	})
}

// MarkFailed flips the row to retrievable=false.
func (w *Worklist) MarkFailed(entryID string) error {
	return w.update(entryID, func(d *document, i int) {
		d.set(i, colRetrievable, "false")
	})
}

// MarkDeferred blanks the retrievable cell: the row stays eligible and
// the deferred queue owns the retry.
func (w *Worklist) MarkDeferred(entryID string) error {
	return w.update(entryID, func(d *document, i int) {
		d.set(i, colRetrievable, "")
	})
}

// document is an in-memory CSV: original header preserved, lookups by
// lowercased name.
type document struct {
	header []string
	rows   [][]string
	cols   map[string]int
}

func (w *Worklist) read() (*document, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("batch: opening %s: %w", w.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("batch: parsing %s: %w", w.path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("batch: %s is empty", w.path)
	}

	header := records[0]
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, seen := cols[name]; !seen {
			cols[name] = i
		}
	}
	for _, required := range []string{colEntryID, colTitle} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("batch: %s is missing required column %q", w.path, required)
		}
	}

	doc := &document{header: header, cols: cols}
	idCol := cols[colEntryID]
	for i, row := range records[1:] {
		for len(row) < len(header) {
			row = append(row, "")
		}
		if strings.TrimSpace(row[idCol]) == "" {
			row[idCol] = fmt.Sprintf("E%04d", i+1)
		}
		doc.rows = append(doc.rows, row)
	}
	return doc, nil
}

func (d *document) get(row []string, col string) string {
	i, ok := d.cols[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// ensure adds a column when absent, extending every row.
func (d *document) ensure(col string) int {
	if i, ok := d.cols[col]; ok {
		return i
	}
	d.header = append(d.header, col)
	i := len(d.header) - 1
	d.cols[col] = i
	for r := range d.rows {
		for len(d.rows[r]) < len(d.header) {
			d.rows[r] = append(d.rows[r], "")
		}
	}
	return i
}

func (d *document) set(rowIdx int, col, val string) {
	i := d.ensure(col)
	for len(d.rows[rowIdx]) <= i {
		d.rows[rowIdx] = append(d.rows[rowIdx], "")
	}
	d.rows[rowIdx][i] = val
}

func (w *Worklist) update(entryID string, apply func(*document, int)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, err := w.read()
	if err != nil {
		return err
	}
	idx := -1
	for i, row := range doc.rows {
		if doc.get(row, colEntryID) == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("batch: entry %q not found in %s", entryID, w.path)
	}

	// Engine columns ride along on the first rewrite.
	doc.ensure(colProvider)
	doc.ensure(colTimestamp)
	apply(doc, idx)
	return w.write(doc)
}

// write lands the whole file atomically.
func (w *Worklist) write(doc *document) error {
	tmp := w.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("batch: writing %s: %w", tmp, err)
	}
	cw := csv.NewWriter(f)
	werr := cw.Write(doc.header)
	for _, row := range doc.rows {
		if werr != nil {
			break
		}
		werr = cw.Write(row)
	}
	cw.Flush()
	if werr == nil {
		werr = cw.Error()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	err = werr
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("batch: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("batch: replacing %s: %w", w.path, err)
	}
	return nil
}
