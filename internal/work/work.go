// Package work manages work identity, directories, and the work.json
// manifest that records what was searched, selected, and downloaded for
// one bibliographic entry.
package work

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/match"
	"github.com/chrono-downloader/chrono/internal/naming"
)

// FileName is the per-work manifest written at the work directory root.
const FileName = "work.json"

// Work statuses. Transitions are one-way except pending, which may move
// anywhere, and deferred, which may resolve to completed or failed.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusDeferred  = "deferred"
	StatusNoMatch   = "no_match"
)

// Input echoes the CSV entry the work was created from.
type Input struct {
	Title   string `json:"title"`
	Creator string `json:"creator,omitempty"`
	EntryID string `json:"entry_id,omitempty"`
}

// Candidate is one provider hit recorded for audit, scores included.
type Candidate struct {
	Provider     string       `json:"provider"`
	ProviderKey  string       `json:"provider_key"`
	Title        string       `json:"title"`
	Creators     []string     `json:"creators"`
	Date         string       `json:"date,omitempty"`
	SourceID     string       `json:"source_id,omitempty"`
	ItemURL      string       `json:"item_url,omitempty"`
	IIIFManifest string       `json:"iiif_manifest,omitempty"`
	Scores       match.Scores `json:"scores"`
}

// Selected identifies the candidate the downloads came from.
type Selected struct {
	Provider    string `json:"provider"`
	ProviderKey string `json:"provider_key"`
	SourceID    string `json:"source_id,omitempty"`
	Title       string `json:"title"`
}

// Record is the work.json document.
type Record struct {
	Input      Input          `json:"input"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Status     string         `json:"status"`
	Selection  map[string]any `json:"selection,omitempty"`
	Candidates []Candidate    `json:"candidates"`
	Selected   *Selected      `json:"selected"`
	Download   map[string]any `json:"download,omitempty"`
}

// ID derives a stable work identifier from the normalised title and
// creator, so reruns of the same entry land on the same identity.
func ID(title, creator string) string {
	norm := match.Normalize(title) + "|" + match.Normalize(creator)
	sum := sha1.Sum([]byte(norm))
	return hex.EncodeToString(sum[:])[:10]
}

// DirName builds the directory name for a work under the output root.
func DirName(entryID, title string) string {
	return naming.WorkDirName(entryID, title)
}

// Dir resolves the work directory path under baseDir.
func Dir(baseDir, entryID, title string) string {
	return filepath.Join(baseDir, DirName(entryID, title))
}

// Path returns the work.json path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Create writes the initial work.json, creating the directory as needed.
// CreatedAt/UpdatedAt are stamped when unset and the status defaults to
// pending.
func Create(dir string, rec *Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("work: creating %s: %w", dir, err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.Candidates == nil {
		rec.Candidates = []Candidate{}
	}
	return write(Path(dir), rec)
}

// Load reads dir's work.json.
func Load(dir string) (*Record, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("work: parsing %s: %w", Path(dir), err)
	}
	return &rec, nil
}

// UpdateStatus rewrites work.json with the new status, merging rather
// than clobbering any download fields. A missing work.json is a no-op,
// as is a transition the status model forbids.
func UpdateStatus(dir, status string, download map[string]any) error {
	rec, err := Load(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !transitionAllowed(rec.Status, status) {
		logx.Debugf("work: ignoring status transition %s -> %s for %s", rec.Status, status, dir)
		return nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if len(download) > 0 {
		if rec.Download == nil {
			rec.Download = make(map[string]any, len(download))
		}
		for k, v := range download {
			rec.Download[k] = v
		}
	}
	return write(Path(dir), rec)
}

func transitionAllowed(from, to string) bool {
	switch {
	case from == to:
		return true
	case from == "" || from == StatusPending:
		return true
	case from == StatusDeferred:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// write lands the document atomically so readers never observe a
// partially written work.json.
func write(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("work: encoding %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("work: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("work: replacing %s: %w", path, err)
	}
	return nil
}

// CheckStatus decides whether a work should be skipped on resume.
// The reason is human-readable and lands in the run log.
func CheckStatus(baseDir, entryID, title, resumeMode string) (skip bool, reason string) {
	if resumeMode == config.ResumeReprocessAll {
		return false, ""
	}
	dir := Dir(baseDir, entryID, title)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return false, ""
	}

	switch resumeMode {
	case config.ResumeSkipIfHasObjects:
		entries, err := os.ReadDir(filepath.Join(dir, "objects"))
		if err != nil {
			return false, ""
		}
		files := 0
		for _, e := range entries {
			if !e.IsDir() {
				files++
			}
		}
		if files > 0 {
			return true, fmt.Sprintf("objects/ contains %d file(s)", files)
		}
	default: // skip_completed
		rec, err := Load(dir)
		if err != nil {
			return false, ""
		}
		switch rec.Status {
		case StatusCompleted:
			return true, "status=completed in work.json"
		case StatusDeferred:
			return true, "status=deferred; retry is owned by the scheduler"
		}
	}
	return false, ""
}
