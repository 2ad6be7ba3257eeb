// Package history keeps a per-output download journal in SQLite so
// past runs stay inspectable after work directories are archived or
// pruned. Recording is strictly best-effort at the call sites: a
// journal failure must never fail the download it describes.
package history

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the journal database created under the output directory.
const FileName = "history.db"

// Entry is one journal row. Files and Bytes describe what the download
// landed in the work directory; Status is the final work status.
type Entry struct {
	ID        int64
	EntryID   string
	WorkID    string
	Provider  string
	SourceID  string
	Title     string
	Files     int
	Bytes     int64
	Status    string
	CreatedAt time.Time
}

// Journal is a single-writer download log. The pipeline records one
// entry per finished work; the deferred scheduler records retries.
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id   TEXT NOT NULL,
	work_id    TEXT NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	source_id  TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	files      INTEGER NOT NULL DEFAULT 0,
	bytes      INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_entry ON downloads(entry_id);
`

// Open creates or opens the journal under dir. The busy timeout covers
// the rare overlap between a foreground run and the retry scheduler.
func Open(dir string) (*Journal, error) {
	path := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", path, err)
	}
	// One connection keeps writes serialized without WAL.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: initializing %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// Record inserts one entry. CreatedAt is stamped when unset.
func (j *Journal) Record(e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := j.db.Exec(`
		INSERT INTO downloads (entry_id, work_id, provider, source_id, title, files, bytes, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EntryID, e.WorkID, e.Provider, e.SourceID, e.Title, e.Files, e.Bytes, e.Status,
		e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("history: recording entry %s: %w", e.EntryID, err)
	}
	return nil
}

// Recent returns the newest n entries, newest first. n <= 0 defaults
// to 20.
func (j *Journal) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := j.db.Query(`
		SELECT id, entry_id, work_id, provider, source_id, title, files, bytes, status, created_at
		FROM downloads ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("history: querying recent: %w", err)
	}
	return scanEntries(rows)
}

// ByEntry returns every journal row for one CSV entry, oldest first.
func (j *Journal) ByEntry(entryID string) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, entry_id, work_id, provider, source_id, title, files, bytes, status, created_at
		FROM downloads WHERE entry_id = ? ORDER BY id
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("history: querying entry %s: %w", entryID, err)
	}
	return scanEntries(rows)
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.EntryID, &e.WorkID, &e.Provider, &e.SourceID,
			&e.Title, &e.Files, &e.Bytes, &e.Status, &createdAt,
		); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
