package deferred

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/provider"
	"github.com/chrono-downloader/chrono/internal/quota"
)

// ErrUnknownItem is returned when a retry targets an id that is not in
// the queue.
var ErrUnknownItem = errors.New("deferred: unknown item")

// ExecuteFunc runs one revived download. The batch runner wires this to
// the pipeline; res is rebuilt from the item's stored payload and item
// carries the work directory and naming context.
type ExecuteFunc func(ctx context.Context, res provider.SearchResult, item Item) error

// providerLookup is the slice of the provider registry the scheduler
// needs: just enough to tell whether a queued item's provider is still
// available.
type providerLookup interface {
	Get(key string) (provider.Provider, bool)
}

// SchedulerStats counts what the scheduler has done since Start.
type SchedulerStats struct {
	Checks     int
	Attempted  int
	Succeeded  int
	Failed     int
	Redeferred int
	LastCheck  time.Time
}

// Scheduler drains the deferred queue in the background, retrying items
// once their quota reset times pass. One daemon goroutine checks the
// queue every interval; Stop cancels it and waits.
type Scheduler struct {
	queue     *Queue
	quotas    *quota.Manager
	providers providerLookup
	exec      ExecuteFunc

	interval time.Duration
	enabled  bool
	now      func() time.Time

	// OnSuccess and OnFailure fire after a retry reaches a terminal
	// outcome. The batch runner uses them to journal results. Set
	// before Start.
	OnSuccess func(Item)
	OnFailure func(Item, string)

	mu      sync.Mutex
	running bool
	paused  bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu sync.Mutex
	stats   SchedulerStats
}

// NewScheduler builds a scheduler over the queue. The check interval
// and the enabled switch come from the deferred config section.
func NewScheduler(cfg *config.Config, queue *Queue, quotas *quota.Manager, providers providerLookup, exec ExecuteFunc) *Scheduler {
	return &Scheduler{
		queue:     queue,
		quotas:    quotas,
		providers: providers,
		exec:      exec,
		interval:  time.Duration(cfg.Deferred.GetCheckIntervalMinutes()) * time.Minute,
		enabled:   cfg.Deferred.GetBackgroundEnabled(),
		now:       time.Now,
	}
}

// Start launches the daemon goroutine. It reports false when the
// scheduler is disabled in config or already running. The first check
// runs immediately; later ones every interval.
func (s *Scheduler) Start() bool {
	if !s.enabled {
		logx.Infof("deferred: background retry scheduler disabled in config")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)

	logx.Infof("deferred: background retry scheduler started (check interval %s)", s.interval)
	return true
}

// Stop cancels the daemon and waits for it to exit. An in-flight retry
// is cancelled through its context, so the wait is short.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	logx.Infof("deferred: background retry scheduler stopped")
}

// Pause keeps the daemon alive but makes it skip checks.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume undoes Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Running reports whether the daemon goroutine is up.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Paused reports whether checks are currently suspended.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if !s.Paused() {
			s.CheckNow(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckNow runs one scheduler tick synchronously: pull ready items and
// retry each until the context is cancelled. The CLI's retry command
// uses it directly, without a daemon.
func (s *Scheduler) CheckNow(ctx context.Context) {
	s.statsMu.Lock()
	s.stats.Checks++
	s.stats.LastCheck = s.now().UTC()
	s.statsMu.Unlock()

	ready := s.queue.GetReady()
	if len(ready) == 0 {
		logx.Debugf("deferred: no items ready for retry")
		return
	}

	logx.Infof("deferred: %d item(s) ready for retry", len(ready))
	for _, item := range ready {
		if ctx.Err() != nil {
			return
		}
		if err := s.retryItem(ctx, item); err != nil {
			logx.Debugf("deferred: retry of '%s' not completed: %v", item.Title, err)
		}
	}
}

// RetryItem forces an immediate retry of one queued item. The quota
// gate and retry cap still apply; only the reset-time wait is skipped.
func (s *Scheduler) RetryItem(ctx context.Context, id string) error {
	item, ok := s.queue.Get(id)
	if !ok {
		return ErrUnknownItem
	}
	if terminal(item.Status) {
		return fmt.Errorf("deferred: item '%s' already %s", item.Title, item.Status)
	}
	return s.retryItem(ctx, item)
}

// retryItem drives one item through a single attempt. A nil return
// means the download completed and the item is done; any error leaves
// the item queued (or failed, once it hits the retry cap).
func (s *Scheduler) retryItem(ctx context.Context, item Item) error {
	if _, ok := s.providers.Get(item.ProviderKey); !ok {
		return fmt.Errorf("provider %s unavailable", item.ProviderKey)
	}

	if ok, wait := s.quotas.CanDownload(item.ProviderKey); !ok {
		next := s.now().Add(wait).UTC()
		s.queue.Refresh(item.ID, next)
		logx.Debugf("deferred: quota still exhausted for %s, '%s' waits until %s",
			item.ProviderKey, item.Title, next.Format(time.RFC3339))
		return fmt.Errorf("%s quota still exhausted, resets %s", item.ProviderKey, next.Format(time.RFC3339))
	}

	if !s.queue.MarkRetrying(item.ID, time.Time{}) {
		s.statsMu.Lock()
		s.stats.Failed++
		s.statsMu.Unlock()
		failed, ok := s.queue.Get(item.ID)
		if !ok {
			failed = item
		}
		if s.OnFailure != nil {
			s.OnFailure(failed, failed.ErrorMessage)
		}
		return fmt.Errorf("retry cap reached: %s", failed.ErrorMessage)
	}

	s.statsMu.Lock()
	s.stats.Attempted++
	s.statsMu.Unlock()

	logx.Infof("deferred: retrying '%s' from %s", item.Title, item.ProviderDisplay)
	err := s.exec(ctx, reviveResult(item), item)

	var qde *provider.QuotaDeferredError
	switch {
	case err == nil:
		s.queue.MarkCompleted(item.ID)
		s.statsMu.Lock()
		s.stats.Succeeded++
		s.statsMu.Unlock()
		if s.OnSuccess != nil {
			s.OnSuccess(item)
		}
		return nil

	case errors.As(err, &qde):
		// Quota hit again mid-download. Push the reset forward and
		// leave the item for a later tick.
		s.queue.Refresh(item.ID, qde.ResetTime)
		s.statsMu.Lock()
		s.stats.Redeferred++
		s.statsMu.Unlock()
		logx.Infof("deferred: '%s' hit quota again: %v", item.Title, err)
		return err

	default:
		logx.Warnf("deferred: retry of '%s' failed: %v", item.Title, err)
		return err
	}
}

// reviveResult rebuilds the SearchResult a connector needs from the
// queued item. Raw carries everything provider-specific.
func reviveResult(item Item) provider.SearchResult {
	res := provider.SearchResult{
		Provider:    item.ProviderDisplay,
		ProviderKey: item.ProviderKey,
		Title:       item.Title,
		SourceID:    item.SourceID,
		ItemURL:     item.ItemURL,
		Raw:         item.Raw,
	}
	if item.Creator != "" {
		res.Creators = []string{item.Creator}
	}
	return res
}
