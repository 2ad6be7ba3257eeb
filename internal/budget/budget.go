// Package budget enforces run-wide and per-work byte ceilings by content
// class, so a misconfigured provider cannot fill the disk. One Accountant
// is shared by every worker in the process.
package budget

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
)

// Class buckets downloaded bytes for limit purposes.
type Class string

const (
	ClassImages   Class = "images"
	ClassPDFs     Class = "pdfs"
	ClassMetadata Class = "metadata"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".tif": true, ".tiff": true, ".jp2": true, ".webp": true, ".bmp": true,
}

// ClassForExt buckets a file extension: known image types count as
// images, metadata JSON as metadata, everything else (pdf, epub, mobi,
// djvu, txt) as pdfs, the "whole item" class.
func ClassForExt(ext string) Class {
	ext = strings.ToLower(ext)
	switch {
	case imageExts[ext]:
		return ClassImages
	case ext == ".json":
		return ClassMetadata
	default:
		return ClassPDFs
	}
}

// ClassForFilename buckets by the file's extension.
func ClassForFilename(name string) Class {
	return ClassForExt(filepath.Ext(name))
}

const (
	mb = 1 << 20
	gb = 1 << 30
)

func gbToBytes(v float64) int64 {
	if v <= 0 {
		return 0 // unlimited
	}
	return int64(v * gb)
}

func mbToBytes(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(v * mb)
}

// Accountant tracks bytes by class, globally and per work, and answers
// whether another allocation fits. All methods are safe for concurrent
// use; one mutex covers every counter so the per-work sums always equal
// the global totals.
type Accountant struct {
	mu        sync.Mutex
	total     map[Class]int64            // limit per class, 0 = unlimited
	perWork   map[Class]int64            // per-work limit per class
	stop      bool                       // on_exceed == "stop"
	global    map[Class]int64            // bytes recorded per class
	works     map[string]map[Class]int64 // bytes per work per class
	exhausted bool
}

// New builds an Accountant from the download_limits config section.
func New(limits config.LimitSettings) *Accountant {
	return &Accountant{
		total: map[Class]int64{
			ClassImages:   gbToBytes(limits.Total.ImagesGB),
			ClassPDFs:     gbToBytes(limits.Total.PDFsGB),
			ClassMetadata: gbToBytes(limits.Total.MetadataGB),
		},
		perWork: map[Class]int64{
			ClassImages:   gbToBytes(limits.PerWork.ImagesGB),
			ClassPDFs:     gbToBytes(limits.PerWork.PDFsGB),
			ClassMetadata: mbToBytes(limits.PerWork.MetadataMB),
		},
		stop:   limits.GetOnExceed() == "stop",
		global: make(map[Class]int64),
		works:  make(map[string]map[Class]int64),
	}
}

// Allow reports whether n more bytes of the given class fit within both
// the global and the per-work ceilings. Under the stop policy a rejected
// check latches the exhausted flag.
func (a *Accountant) Allow(class Class, workID string, n int64) bool {
	if n <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allowLocked(class, workID, n)
}

func (a *Accountant) allowLocked(class Class, workID string, n int64) bool {
	if limit := a.total[class]; limit > 0 && a.global[class]+n > limit {
		logx.Infof("budget: global %s limit would be exceeded (%d + %d > %d bytes)",
			class, a.global[class], n, limit)
		if a.stop {
			a.exhausted = true
		}
		return false
	}
	if workID != "" {
		if limit := a.perWork[class]; limit > 0 && a.works[workID][class]+n > limit {
			logx.Infof("budget: per-work %s limit would be exceeded for %s", class, workID)
			if a.stop {
				a.exhausted = true
			}
			return false
		}
	}
	return true
}

// Record adds n bytes unconditionally. Use after the fact, for content
// whose size was known up front and already allowed.
func (a *Accountant) Record(class Class, workID string, n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.recordLocked(class, workID, n)
	a.mu.Unlock()
}

func (a *Accountant) recordLocked(class Class, workID string, n int64) {
	a.global[class] += n
	if workID != "" {
		w := a.works[workID]
		if w == nil {
			w = make(map[Class]int64)
			a.works[workID] = w
		}
		w[class] += n
	}
}

// AddBytes is the streaming entry point: it checks and records n bytes in
// one atomic step, returning false (without recording) when the
// allocation does not fit. The caller is expected to truncate and delete
// the partial file on false.
func (a *Accountant) AddBytes(class Class, workID string, n int64) bool {
	if n <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.allowLocked(class, workID, n) {
		return false
	}
	a.recordLocked(class, workID, n)
	return true
}

// Release subtracts bytes recorded for a file that was later discarded
// (validation failure, budget truncation), keeping the counters honest.
func (a *Accountant) Release(class Class, workID string, n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.global[class] -= n
	if a.global[class] < 0 {
		a.global[class] = 0
	}
	if workID != "" {
		if w := a.works[workID]; w != nil {
			w[class] -= n
			if w[class] < 0 {
				w[class] = 0
			}
		}
	}
}

// Exhausted reports whether the stop policy has tripped. The façade stops
// submitting new works once this is true.
func (a *Accountant) Exhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exhausted
}

// Totals returns a copy of the global per-class byte counters.
func (a *Accountant) Totals() map[Class]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[Class]int64, len(a.global))
	for k, v := range a.global {
		out[k] = v
	}
	return out
}

// WorkTotals returns a copy of one work's per-class byte counters.
func (a *Accountant) WorkTotals(workID string) map[Class]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[Class]int64)
	for k, v := range a.works[workID] {
		out[k] = v
	}
	return out
}

// LogSummary writes the end-of-run budget report.
func (a *Accountant) LogSummary() {
	a.mu.Lock()
	defer a.mu.Unlock()
	logx.Infof("budget: images %.2f GB, pdfs %.2f GB, metadata %.2f MB across %d works",
		float64(a.global[ClassImages])/gb,
		float64(a.global[ClassPDFs])/gb,
		float64(a.global[ClassMetadata])/mb,
		len(a.works))
}
