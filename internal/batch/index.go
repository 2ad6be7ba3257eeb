package batch

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/chrono-downloader/chrono/internal/pipeline"
)

// IndexFileName is the per-run download index kept next to the work dirs.
const IndexFileName = "download_index.csv"

var indexColumns = []string{
	"work_id",
	"entry_id",
	"work_dir",
	"title",
	"creator",
	"selected_provider",
	"selected_provider_key",
	"selected_source_id",
	"selected_dir",
	"work_json",
	"status",
	"item_url",
}

// Index accumulates one row per settled work. Rewrites normalise the
// header to the canonical column set, so an index written by an older
// build is upgraded in place.
type Index struct {
	path string
	mu   sync.Mutex
}

// NewIndex points at (but does not create) the index file.
func NewIndex(path string) *Index { return &Index{path: path} }

// Path returns the index file path.
func (ix *Index) Path() string { return ix.path }

// Append adds a row, creating the file on first use.
func (ix *Index) Append(row pipeline.IndexRow) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rows, err := ix.readExisting()
	if err != nil {
		return err
	}
	rows = append(rows, map[string]string{
		"work_id":               row.WorkID,
		"entry_id":              row.EntryID,
		"work_dir":              row.WorkDir,
		"title":                 row.Title,
		"creator":               row.Creator,
		"selected_provider":     row.SelectedProvider,
		"selected_provider_key": row.SelectedProviderKey,
		"selected_source_id":    row.SelectedSourceID,
		"selected_dir":          row.SelectedDir,
		"work_json":             row.WorkJSON,
		"status":                row.Status,
		"item_url":              row.ItemURL,
	})
	return ix.write(rows)
}

// readExisting loads the current file keyed by its own header, so rows
// survive even when the column order on disk differs.
func (ix *Index) readExisting() ([]map[string]string, error) {
	f, err := os.Open(ix.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("batch: opening index %s: %w", ix.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("batch: parsing index %s: %w", ix.path, err)
	}
	if len(records) < 2 {
		return nil, nil
	}
	header := records[0]
	out := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		m := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				m[strings.ToLower(strings.TrimSpace(h))] = rec[i]
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (ix *Index) write(rows []map[string]string) error {
	tmp := ix.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("batch: writing index %s: %w", tmp, err)
	}
	cw := csv.NewWriter(f)
	werr := cw.Write(indexColumns)
	for _, row := range rows {
		if werr != nil {
			break
		}
		rec := make([]string, len(indexColumns))
		for i, col := range indexColumns {
			rec[i] = row[col]
		}
		werr = cw.Write(rec)
	}
	cw.Flush()
	if werr == nil {
		werr = cw.Error()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return fmt.Errorf("batch: writing index %s: %w", tmp, werr)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("batch: replacing index %s: %w", ix.path, err)
	}
	return nil
}
