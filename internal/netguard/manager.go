package netguard

import (
	"sync"
	"time"

	"github.com/chrono-downloader/chrono/internal/config"
)

// Guard couples the rate limiter and circuit breaker for one provider.
type Guard struct {
	Key     string
	Limiter *RateLimiter
	Breaker *Breaker
}

// Manager hands out the Guard for each provider, creating it from the
// provider's network config on first use. All requests to the same
// provider share one Guard, whatever goroutine they run on.
type Manager struct {
	mu     sync.RWMutex
	guards map[string]*Guard
	cfg    *config.Config
}

// NewManager creates a guard manager backed by the given config.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		guards: make(map[string]*Guard),
		cfg:    cfg,
	}
}

// Guard returns the guard for a provider key, creating it if needed.
// Unknown keys (hosts outside the provider map) share the "default"
// guard built from the global network section.
func (m *Manager) Guard(key string) *Guard {
	if key == "" {
		key = "default"
	}

	// Fast path: guard already exists.
	m.mu.RLock()
	if g, ok := m.guards[key]; ok {
		m.mu.RUnlock()
		return g
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if g, ok := m.guards[key]; ok {
		return g
	}

	g := m.newGuard(key)
	m.guards[key] = g
	return g
}

func (m *Manager) newGuard(key string) *Guard {
	n := m.cfg.Network(key)
	return &Guard{
		Key: key,
		Limiter: NewRateLimiter(key,
			time.Duration(n.DelayMS)*time.Millisecond,
			time.Duration(n.JitterMS)*time.Millisecond,
			secondsToDuration(n.GetBaseBackoffS()),
			n.GetBackoffMultiplier(),
			secondsToDuration(n.GetMaxBackoffS()),
		),
		Breaker: NewBreaker(key,
			n.GetCircuitBreakerEnabled(),
			n.GetBreakerThreshold(),
			secondsToDuration(n.GetBreakerCooldownS()),
		),
	}
}

// ActiveGuards returns the number of providers currently tracked.
func (m *Manager) ActiveGuards() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.guards)
}

// BreakerStates returns a snapshot of every tracked breaker's state,
// for the end-of-run summary.
func (m *Manager) BreakerStates() map[string]BreakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]BreakerState, len(m.guards))
	for key, g := range m.guards {
		out[key] = g.Breaker.State()
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
