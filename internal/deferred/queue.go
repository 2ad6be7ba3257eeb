// Package deferred holds downloads that ran into provider quotas: a
// persistent retry queue plus the background scheduler that drains it
// once quotas reset.
package deferred

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/state"
)

// Item statuses. pending and retrying items are live; completed and
// failed are terminal.
const (
	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultMaxRetries caps scheduler attempts per item.
const DefaultMaxRetries = 5

// Item is the persisted deferred-download record.
type Item = state.DeferredItem

// Queue is the deferred-download queue. Every mutation is written
// through to the state store, so a crash never loses queued work.
type Queue struct {
	store      *state.Store
	maxRetries int

	mu  sync.Mutex
	now func() time.Time
}

// NewQueue builds a queue over the store and prunes terminal items
// older than a week.
func NewQueue(store *state.Store, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	q := &Queue{store: store, maxRetries: maxRetries, now: time.Now}
	q.CleanupOld(7 * 24 * time.Hour)
	return q
}

func terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Add queues an item, or refreshes the existing live entry for the same
// (entry_id, provider_key) instead of duplicating it. Returns the id.
func (q *Queue) Add(item Item) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.store.Deferred()
	for i := range items {
		ex := &items[i]
		if ex.EntryID == item.EntryID && ex.ProviderKey == item.ProviderKey && !terminal(ex.Status) {
			if !item.ResetTime.IsZero() {
				ex.ResetTime = item.ResetTime
			}
			if item.Raw != nil {
				ex.Raw = item.Raw
			}
			q.persist(items)
			logx.Debugf("deferred: '%s' from %s already queued; reset time refreshed", ex.Title, ex.ProviderKey)
			return ex.ID
		}
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.DeferredAt = q.now().UTC()
	item.Status = StatusPending
	items = append(items, item)
	q.persist(items)

	logx.Infof("deferred: queued '%s' from %s (retry after %s)",
		item.Title, item.ProviderKey, readyPhrase(item.ResetTime))
	return item.ID
}

func readyPhrase(reset time.Time) string {
	if reset.IsZero() {
		return "next check"
	}
	return reset.UTC().Format(time.RFC3339)
}

// Get returns the item with the given id.
func (q *Queue) Get(id string) (Item, bool) {
	for _, item := range q.store.Deferred() {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

// Remove deletes an item outright.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.store.Deferred()
	for i := range items {
		if items[i].ID == id {
			q.persist(append(items[:i], items[i+1:]...))
			return true
		}
	}
	return false
}

// MarkCompleted flips an item to its successful terminal state.
func (q *Queue) MarkCompleted(id string) bool {
	return q.update(id, func(item *Item) {
		item.Status = StatusCompleted
		logx.Infof("deferred: completed '%s'", item.Title)
	})
}

// MarkFailed flips an item to failed with a reason.
func (q *Queue) MarkFailed(id, reason string) bool {
	return q.update(id, func(item *Item) {
		item.Status = StatusFailed
		item.ErrorMessage = reason
		logx.Warnf("deferred: failed '%s': %s", item.Title, reason)
	})
}

// MarkRetrying consumes one retry attempt. Returns false when the item
// hit the retry cap and was marked failed instead. A non-zero newReset
// replaces the item's reset time.
func (q *Queue) MarkRetrying(id string, newReset time.Time) bool {
	ok := false
	q.update(id, func(item *Item) {
		item.RetryCount++
		item.LastRetryAt = q.now().UTC()
		if item.RetryCount >= q.maxRetries {
			item.Status = StatusFailed
			item.ErrorMessage = fmt.Sprintf("Max retries (%d) exceeded", q.maxRetries)
			logx.Warnf("deferred: '%s' exceeded max retries (%d attempts)", item.Title, item.RetryCount)
			return
		}
		item.Status = StatusRetrying
		if !newReset.IsZero() {
			item.ResetTime = newReset
		}
		ok = true
	})
	return ok
}

// Refresh pushes an item's reset time forward without consuming a
// retry, for items found still quota-blocked at check time.
func (q *Queue) Refresh(id string, reset time.Time) bool {
	return q.update(id, func(item *Item) {
		item.ResetTime = reset
	})
}

func (q *Queue) update(id string, fn func(*Item)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.store.Deferred()
	for i := range items {
		if items[i].ID == id {
			fn(&items[i])
			q.persist(items)
			return true
		}
	}
	return false
}

// GetReady returns live items whose reset time has passed (or was never
// set).
func (q *Queue) GetReady() []Item {
	now := q.now()
	var ready []Item
	for _, item := range q.store.Deferred() {
		if terminal(item.Status) {
			continue
		}
		if item.ResetTime.IsZero() || !item.ResetTime.After(now) {
			ready = append(ready, item)
		}
	}
	return ready
}

// List returns items, optionally filtered to the given statuses.
func (q *Queue) List(statuses ...string) []Item {
	items := q.store.Deferred()
	if len(statuses) == 0 {
		return items
	}
	var out []Item
	for _, item := range items {
		for _, s := range statuses {
			if item.Status == s {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

// CountByStatus tallies the queue by status.
func (q *Queue) CountByStatus() map[string]int {
	counts := make(map[string]int)
	for _, item := range q.store.Deferred() {
		counts[item.Status]++
	}
	return counts
}

// Len returns the total number of queued items.
func (q *Queue) Len() int {
	return len(q.store.Deferred())
}

// NextReadyTime returns the earliest reset time among live items, or
// the zero time when nothing is waiting on a reset.
func (q *Queue) NextReadyTime() time.Time {
	var earliest time.Time
	for _, item := range q.store.Deferred() {
		if terminal(item.Status) || item.ResetTime.IsZero() {
			continue
		}
		if earliest.IsZero() || item.ResetTime.Before(earliest) {
			earliest = item.ResetTime
		}
	}
	return earliest
}

// CleanupOld drops terminal items whose deferral is older than age,
// keeping the queue from growing without bound.
func (q *Queue) CleanupOld(age time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-age)
	items := q.store.Deferred()
	kept := items[:0]
	removed := 0
	for _, item := range items {
		if terminal(item.Status) && !item.DeferredAt.IsZero() && item.DeferredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed > 0 {
		q.persist(kept)
		logx.Infof("deferred: removed %d item(s) older than %s", removed, age)
	}
	return removed
}

// ClearCompleted removes all completed items.
func (q *Queue) ClearCompleted() int {
	return q.clear(func(item Item) bool { return item.Status == StatusCompleted })
}

// ClearFailed removes all failed items.
func (q *Queue) ClearFailed() int {
	return q.clear(func(item Item) bool { return item.Status == StatusFailed })
}

// ClearAll empties the queue.
func (q *Queue) ClearAll() int {
	return q.clear(func(Item) bool { return true })
}

func (q *Queue) clear(drop func(Item) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.store.Deferred()
	kept := items[:0]
	removed := 0
	for _, item := range items {
		if drop(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed > 0 {
		q.persist(kept)
	}
	return removed
}

func (q *Queue) persist(items []Item) {
	if err := q.store.SetDeferred(items); err != nil {
		logx.Warnf("deferred: persisting queue: %v", err)
	}
}
