package netguard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chrono-downloader/chrono/internal/logx"
)

// ErrCircuitOpen is returned by Breaker.Allow while the provider's
// circuit is open. The request layer absorbs it into a no-result.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the circuit state for one provider.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker fails fast once a provider keeps erroring: after threshold
// consecutive failures it rejects requests for a cooldown period, then
// admits a single trial. Any recorded success closes the circuit.
type Breaker struct {
	key       string
	enabled   bool
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	inFlight bool // a half-open trial is outstanding

	now func() time.Time
}

// NewBreaker creates a breaker for one provider. A disabled breaker
// admits everything and records nothing.
func NewBreaker(key string, enabled bool, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{
		key:       key,
		enabled:   enabled,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. While open it returns
// ErrCircuitOpen until the cooldown elapses, then flips to half-open and
// admits exactly one trial request; further callers are rejected until
// the trial reports its outcome.
func (b *Breaker) Allow() error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return fmt.Errorf("provider %s: %w", b.key, ErrCircuitOpen)
		}
		b.state = StateHalfOpen
		b.inFlight = true
		logx.Infof("netguard [%s]: breaker half-open, admitting trial request", b.key)
		return nil
	default: // StateHalfOpen
		if b.inFlight {
			return fmt.Errorf("provider %s: %w", b.key, ErrCircuitOpen)
		}
		b.inFlight = true
		return nil
	}
}

// RecordSuccess closes the circuit and zeroes the failure count,
// whatever state it was in. A live success is authoritative.
func (b *Breaker) RecordSuccess() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		logx.Infof("netguard [%s]: breaker closed after successful request", b.key)
	}
	b.state = StateClosed
	b.failures = 0
	b.inFlight = false
}

// RecordFailure counts a failed request; at the threshold the circuit
// opens. A failed half-open trial re-opens with a fresh cooldown.
func (b *Breaker) RecordFailure() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.inFlight = false
	if b.failures >= b.threshold && b.state != StateOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		logx.Warnf("netguard [%s]: breaker opened after %d consecutive failures (cooldown %v)",
			b.key, b.failures, b.cooldown)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count, for diagnostics.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
