// Package quota enforces per-provider download allowances with periodic
// resets, persisting usage through the state store so limits survive
// restarts.
package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/state"
)

// ProviderQuota is a point-in-time view of one provider's quota, shaped
// for CLI display.
type ProviderQuota struct {
	ProviderKey   string
	DailyLimit    int
	DownloadsUsed int
	Remaining     int
	Exhausted     bool
	ResetTime     time.Time // zero when not exhausted
}

// Manager tracks quota usage for providers whose config enables it.
// The allow-check and the increment share one lock, so concurrent
// workers cannot overshoot the limit.
type Manager struct {
	cfg   *config.Config
	store *state.Store

	mu  sync.Mutex
	now func() time.Time
}

// NewManager builds a Manager over the given store.
func NewManager(cfg *config.Config, store *state.Store) *Manager {
	return &Manager{cfg: cfg, store: store, now: time.Now}
}

// HasQuota reports whether key's configuration enables quota tracking.
// Providers without quota bypass this component entirely.
func (m *Manager) HasQuota(key string) bool {
	return m.cfg.Provider(key).Quota.Enabled
}

// CanDownload reports whether a download is currently allowed. When it
// is not, the returned duration says how long until the quota resets.
func (m *Manager) CanDownload(key string) (bool, time.Duration) {
	if !m.HasQuota(key) {
		return true, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.load(key)
	m.resetIfDue(&qs)

	if qs.DailyLimit <= 0 || qs.DownloadsUsed < qs.DailyLimit {
		m.persist(key, qs)
		return true, 0
	}

	wait := m.untilReset(qs)
	if wait <= 0 {
		qs.DownloadsUsed = 0
		qs.ExhaustedAt = nil
		qs.PeriodStart = m.now().UTC()
		m.persist(key, qs)
		return true, 0
	}
	return false, wait
}

// RecordDownload consumes one unit and returns the remaining allowance
// for the period (0 when exhausted or unlimited).
func (m *Manager) RecordDownload(key string) int {
	if !m.HasQuota(key) {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.load(key)
	m.resetIfDue(&qs)
	qs.DownloadsUsed++

	remaining := qs.DailyLimit - qs.DownloadsUsed
	if qs.DailyLimit > 0 && remaining <= 0 && qs.ExhaustedAt == nil {
		at := m.now().UTC()
		qs.ExhaustedAt = &at
		logx.Infof("quota [%s]: exhausted (%d/%d); resets in %.1f hours",
			key, qs.DownloadsUsed, qs.DailyLimit, qs.ResetHours)
	} else {
		logx.Debugf("quota [%s]: download recorded, %d/%d remaining", key, max(0, remaining), qs.DailyLimit)
	}
	m.persist(key, qs)
	return max(0, remaining)
}

// NextReset returns when key's quota replenishes, or the zero time when
// it is not exhausted.
func (m *Manager) NextReset(key string) time.Time {
	qs, ok := m.store.Quota(key)
	if !ok || qs.ExhaustedAt == nil {
		return time.Time{}
	}
	return qs.ExhaustedAt.Add(m.resetPeriod(qs))
}

// Status lists all tracked quotas, sorted by provider key. Period
// resets that are due are reflected in the view but not persisted.
func (m *Manager) Status() []ProviderQuota {
	quotas := m.store.Quotas()
	out := make([]ProviderQuota, 0, len(quotas))
	for key, qs := range quotas {
		if m.periodElapsed(qs) {
			qs.DownloadsUsed = 0
			qs.ExhaustedAt = nil
		}
		pq := ProviderQuota{
			ProviderKey:   key,
			DailyLimit:    qs.DailyLimit,
			DownloadsUsed: qs.DownloadsUsed,
		}
		if qs.DailyLimit > 0 {
			pq.Remaining = max(0, qs.DailyLimit-qs.DownloadsUsed)
			if qs.ExhaustedAt != nil {
				reset := qs.ExhaustedAt.Add(m.resetPeriod(qs))
				if reset.After(m.now()) {
					pq.Exhausted = true
					pq.ResetTime = reset
				}
			}
		}
		out = append(out, pq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderKey < out[j].ProviderKey })
	return out
}

// Reset clears one provider's usage. Unknown providers are a no-op.
func (m *Manager) Reset(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs, ok := m.store.Quota(key)
	if !ok {
		return nil
	}
	qs.DownloadsUsed = 0
	qs.ExhaustedAt = nil
	qs.PeriodStart = m.now().UTC()
	logx.Infof("quota [%s]: manually reset", key)
	return m.store.SetQuota(key, qs)
}

// ResetAll clears every tracked provider's usage.
func (m *Manager) ResetAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, qs := range m.store.Quotas() {
		qs.DownloadsUsed = 0
		qs.ExhaustedAt = nil
		qs.PeriodStart = m.now().UTC()
		if err := m.store.SetQuota(key, qs); err != nil {
			return err
		}
	}
	logx.Infof("quota: all providers reset")
	return nil
}

// load fetches key's record, seeding it from config on first use.
// Limits are frozen into the record at creation.
func (m *Manager) load(key string) state.QuotaState {
	if qs, ok := m.store.Quota(key); ok {
		if qs.PeriodStart.IsZero() {
			qs.PeriodStart = m.now().UTC()
		}
		return qs
	}
	q := m.cfg.Provider(key).Quota
	return state.QuotaState{
		ProviderKey: key,
		DailyLimit:  q.DailyLimit,
		ResetHours:  q.GetResetHours(),
		PeriodStart: m.now().UTC(),
	}
}

func (m *Manager) persist(key string, qs state.QuotaState) {
	if err := m.store.SetQuota(key, qs); err != nil {
		logx.Warnf("quota [%s]: persisting state: %v", key, err)
	}
}

func (m *Manager) resetPeriod(qs state.QuotaState) time.Duration {
	hours := qs.ResetHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours * float64(time.Hour))
}

func (m *Manager) periodElapsed(qs state.QuotaState) bool {
	return !qs.PeriodStart.IsZero() && m.now().Sub(qs.PeriodStart) >= m.resetPeriod(qs)
}

// resetIfDue rolls the period over once its length has elapsed.
func (m *Manager) resetIfDue(qs *state.QuotaState) {
	if !m.periodElapsed(*qs) {
		return
	}
	logx.Infof("quota [%s]: period elapsed, usage reset", qs.ProviderKey)
	qs.DownloadsUsed = 0
	qs.ExhaustedAt = nil
	qs.PeriodStart = m.now().UTC()
}

// untilReset computes the wait from the exhaustion timestamp. No
// timestamp means the quota may reset immediately.
func (m *Manager) untilReset(qs state.QuotaState) time.Duration {
	if qs.ExhaustedAt == nil {
		return 0
	}
	return qs.ExhaustedAt.Add(m.resetPeriod(qs)).Sub(m.now())
}
