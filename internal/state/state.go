// Package state persists quota usage and the deferred queue in one
// JSON document, so a run can stop and resume without losing either.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chrono-downloader/chrono/internal/logx"
)

// Version is written to every saved document. Older and legacy layouts
// are upgraded on load.
const Version = "2.0"

// Legacy single-purpose state files, consumed once and renamed aside.
const (
	legacyQuotaFile    = ".quota_state.json"
	legacyDeferredFile = ".deferred_queue.json"
)

// QuotaState is the persisted quota record for one provider.
type QuotaState struct {
	ProviderKey   string     `json:"provider_key"`
	DailyLimit    int        `json:"daily_limit"`
	ResetHours    float64    `json:"reset_hours"`
	DownloadsUsed int        `json:"downloads_used"`
	PeriodStart   time.Time  `json:"period_start"`
	ExhaustedAt   *time.Time `json:"exhausted_at"`
}

// DeferredItem is one quota-deferred download. A zero ResetTime means
// the item is ready whenever the scheduler looks.
type DeferredItem struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Creator         string         `json:"creator,omitempty"`
	EntryID         string         `json:"entry_id,omitempty"`
	ProviderKey     string         `json:"provider_key"`
	ProviderDisplay string         `json:"provider_display,omitempty"`
	SourceID        string         `json:"source_id,omitempty"`
	WorkDir         string         `json:"work_dir,omitempty"`
	BaseOutputDir   string         `json:"base_output_dir,omitempty"`
	ItemURL         string         `json:"item_url,omitempty"`
	DeferredAt      time.Time      `json:"deferred_at"`
	ResetTime       time.Time      `json:"reset_time"`
	RetryCount      int            `json:"retry_count"`
	LastRetryAt     time.Time      `json:"last_retry_at"`
	Status          string         `json:"status"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Raw             map[string]any `json:"raw,omitempty"`
}

// Document is the on-disk layout.
type Document struct {
	Version       string                `json:"version"`
	LastUpdated   time.Time             `json:"last_updated"`
	Quotas        map[string]QuotaState `json:"quotas"`
	DeferredItems []DeferredItem        `json:"deferred_items"`
}

// Store owns one state file. All access goes through typed accessors;
// mutators persist immediately.
type Store struct {
	path string

	mu  sync.RWMutex
	doc Document
}

func freshDocument() Document {
	return Document{
		Version:       Version,
		Quotas:        map[string]QuotaState{},
		DeferredItems: []DeferredItem{},
	}
}

// Open loads the state file at path, creating a fresh document when it
// does not exist. Legacy split files found next to path are migrated
// once and renamed with a .migrated suffix.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: freshDocument()}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var doc Document
		if jerr := json.Unmarshal(data, &doc); jerr == nil {
			if doc.Quotas == nil {
				doc.Quotas = map[string]QuotaState{}
			}
			if doc.DeferredItems == nil {
				doc.DeferredItems = []DeferredItem{}
			}
			doc.Version = Version
			s.doc = doc
			logx.Debugf("state: loaded %s (%d quota(s), %d deferred item(s))",
				path, len(doc.Quotas), len(doc.DeferredItems))
			return s, nil
		} else {
			logx.Warnf("state: unreadable %s: %v; checking for legacy files", path, jerr)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("state: reading %s: %w", path, err)
	}

	if s.migrateLegacy() {
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// migrateLegacy imports the old one-file-per-concern layout. Originals
// are renamed aside so the import happens exactly once.
func (s *Store) migrateLegacy() bool {
	dir := filepath.Dir(s.path)
	migrated := false

	quotaPath := filepath.Join(dir, legacyQuotaFile)
	if data, err := os.ReadFile(quotaPath); err == nil {
		var legacy struct {
			Quotas map[string]QuotaState `json:"quotas"`
		}
		if err := json.Unmarshal(data, &legacy); err != nil {
			logx.Warnf("state: cannot migrate %s: %v", quotaPath, err)
		} else {
			for k, v := range legacy.Quotas {
				s.doc.Quotas[k] = v
			}
			retireLegacy(quotaPath)
			logx.Infof("state: migrated quota state from %s (%d provider(s))", quotaPath, len(legacy.Quotas))
			migrated = true
		}
	}

	queuePath := filepath.Join(dir, legacyDeferredFile)
	if data, err := os.ReadFile(queuePath); err == nil {
		items, err := parseLegacyDeferred(data)
		if err != nil {
			logx.Warnf("state: cannot migrate %s: %v", queuePath, err)
		} else {
			s.doc.DeferredItems = append(s.doc.DeferredItems, items...)
			retireLegacy(queuePath)
			logx.Infof("state: migrated deferred queue from %s (%d item(s))", queuePath, len(items))
			migrated = true
		}
	}

	return migrated
}

// parseLegacyDeferred reads the old queue file, which named the display
// field provider_name.
func parseLegacyDeferred(data []byte) ([]DeferredItem, error) {
	var legacy struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}
	items := make([]DeferredItem, 0, len(legacy.Items))
	for _, m := range legacy.Items {
		if v, ok := m["provider_name"]; ok {
			if _, exists := m["provider_display"]; !exists {
				m["provider_display"] = v
			}
			delete(m, "provider_name")
		}
		buf, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		var item DeferredItem
		if err := json.Unmarshal(buf, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func retireLegacy(path string) {
	if err := os.Rename(path, path+".migrated"); err != nil {
		logx.Warnf("state: renaming %s aside: %v", path, err)
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Save flushes the document to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// save writes atomically; callers hold the lock (or own s exclusively).
func (s *Store) save() error {
	s.doc.Version = Version
	s.doc.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: creating %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: replacing %s: %w", s.path, err)
	}
	return nil
}

// Quota returns the stored quota record for a provider.
func (s *Store) Quota(key string) (QuotaState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qs, ok := s.doc.Quotas[key]
	return qs, ok
}

// Quotas returns a copy of all stored quota records.
func (s *Store) Quotas() map[string]QuotaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]QuotaState, len(s.doc.Quotas))
	for k, v := range s.doc.Quotas {
		out[k] = v
	}
	return out
}

// SetQuota stores and persists one provider's quota record.
func (s *Store) SetQuota(key string, qs QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Quotas[key] = qs
	return s.save()
}

// Deferred returns a copy of the deferred items.
func (s *Store) Deferred() []DeferredItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeferredItem, len(s.doc.DeferredItems))
	copy(out, s.doc.DeferredItems)
	return out
}

// SetDeferred replaces and persists the deferred items.
func (s *Store) SetDeferred(items []DeferredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.DeferredItems = make([]DeferredItem, len(items))
	copy(s.doc.DeferredItems, items)
	return s.save()
}
