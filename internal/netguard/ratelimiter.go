// Package netguard coordinates outbound request pacing per provider.
// When one request to a provider gets rate-limited (HTTP 429), every
// goroutine talking to that provider pauses, so a burst of workers
// cannot turn a polite warning into an IP ban. A circuit breaker sits
// next to the limiter and fails fast once a provider keeps erroring.
package netguard

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrono-downloader/chrono/internal/logx"
)

// RateLimiter paces requests to one provider. It enforces a minimum
// interval between requests (with uniform jitter) and tracks a shared
// block horizon raised by 429 responses.
type RateLimiter struct {
	Key string // provider key this limiter is for

	minInterval time.Duration
	jitter      time.Duration

	// 429 backoff parameters, from the provider's network config.
	baseBackoff time.Duration
	multiplier  float64
	maxBackoff  time.Duration

	// blockedUntil is a Unix nanosecond timestamp when the 429 block expires.
	blockedUntil atomic.Int64

	// consecutiveHits counts 429s received in a row.
	consecutiveHits atomic.Int32

	// mu serializes pacing slot reservation and backoff calculation.
	mu       sync.Mutex
	nextSlot time.Time
}

// NewRateLimiter creates a limiter for one provider.
func NewRateLimiter(key string, minInterval, jitter, baseBackoff time.Duration, multiplier float64, maxBackoff time.Duration) *RateLimiter {
	return &RateLimiter{
		Key:         key,
		minInterval: minInterval,
		jitter:      jitter,
		baseBackoff: baseBackoff,
		multiplier:  multiplier,
		maxBackoff:  maxBackoff,
	}
}

// Wait blocks until this goroutine may issue the next request: first for
// any active 429 block, then for its pacing slot. Each caller reserves
// the next slot under the mutex, so concurrent workers are spaced
// min_interval (+ jitter) apart rather than stampeding when a block
// lifts. Returns early with the context error on cancellation.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if _, err := rl.WaitIfBlocked(ctx); err != nil {
		return err
	}

	if rl.minInterval <= 0 && rl.jitter <= 0 {
		return nil
	}

	rl.mu.Lock()
	now := time.Now()
	slot := rl.nextSlot
	if slot.Before(now) {
		slot = now
	}
	delay := rl.minInterval
	if rl.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(rl.jitter) + 1))
	}
	rl.nextSlot = slot.Add(delay)
	rl.mu.Unlock()

	return sleepUntil(ctx, slot)
}

// RetryAfter parses a Retry-After header as delay-seconds or an HTTP
// date. ok reports whether the header carried a usable value.
func RetryAfter(resp *http.Response) (wait time.Duration, ok bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = time.Second
		}
		return d, true
	}
	return 0, false
}

// Handle429 processes a 429 response and raises the shared block
// horizon. It returns the duration workers should wait before retrying.
// Jitter (±10%) prevents a thundering herd when the block lifts.
func (rl *RateLimiter) Handle429(resp *http.Response) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	hits := rl.consecutiveHits.Add(1)

	// Retry-After is honoured when present, capped at the provider's max
	// backoff. Otherwise fall back to exponential backoff growing with
	// consecutive hits.
	waitDuration, ok := RetryAfter(resp)
	if ok {
		if waitDuration > rl.maxBackoff {
			waitDuration = rl.maxBackoff
		}
		logx.Debugf("netguard [%s]: 429 with Retry-After (wait %v, hit #%d)", rl.Key, waitDuration, hits)
	} else {
		waitDuration = BackoffDelay(rl.baseBackoff, rl.multiplier, rl.maxBackoff, int(hits))
		logx.Debugf("netguard [%s]: 429 without Retry-After, backing off %v (hit #%d)", rl.Key, waitDuration, hits)
	}

	waitDuration = addJitter(waitDuration, 0.10)

	rl.Block(waitDuration)
	return waitDuration
}

// BackoffDelay computes base * multiplier^(attempt-1) capped at max.
func BackoffDelay(base time.Duration, multiplier float64, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= multiplier
		if time.Duration(d) >= max {
			return max
		}
	}
	if time.Duration(d) > max {
		return max
	}
	return time.Duration(d)
}

// addJitter spreads a duration by ±jitterFactor.
func addJitter(d time.Duration, jitterFactor float64) time.Duration {
	if d <= 0 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(d) * (1 + jitter))
}

// Block extends the shared block horizon by d from now. Only moves the
// horizon forward; concurrent shorter blocks are ignored.
func (rl *RateLimiter) Block(d time.Duration) {
	newBlockedUntil := time.Now().Add(d).UnixNano()

	for {
		current := rl.blockedUntil.Load()
		if newBlockedUntil <= current {
			return // already blocked for longer
		}
		if rl.blockedUntil.CompareAndSwap(current, newBlockedUntil) {
			return
		}
	}
}

// WaitIfBlocked sleeps while the 429 block horizon is in the future.
// It reports whether it waited; a context error cuts the wait short.
func (rl *RateLimiter) WaitIfBlocked(ctx context.Context) (bool, error) {
	blockedUntil := rl.blockedUntil.Load()
	if blockedUntil == 0 {
		return false, nil
	}

	until := time.Unix(0, blockedUntil)
	waitDuration := time.Until(until)
	if waitDuration <= 0 {
		return false, nil
	}

	logx.Debugf("netguard [%s]: waiting %v for rate-limit block to lift", rl.Key, waitDuration)
	if err := sleepUntil(ctx, until); err != nil {
		return true, err
	}
	return true, nil
}

// ReportSuccess resets the consecutive 429 counter.
func (rl *RateLimiter) ReportSuccess() {
	if rl.consecutiveHits.Load() > 0 {
		rl.consecutiveHits.Store(0)
		logx.Debugf("netguard [%s]: success, consecutive 429 count reset", rl.Key)
	}
}

// IsBlocked reports whether the 429 block horizon is in the future.
func (rl *RateLimiter) IsBlocked() bool {
	blockedUntil := rl.blockedUntil.Load()
	if blockedUntil == 0 {
		return false
	}
	return time.Now().UnixNano() < blockedUntil
}

// BlockedUntil returns when the current block expires, or the zero time.
func (rl *RateLimiter) BlockedUntil() time.Time {
	blockedUntil := rl.blockedUntil.Load()
	if blockedUntil == 0 {
		return time.Time{}
	}
	return time.Unix(0, blockedUntil)
}

// BlockDuration returns how long until the block expires, or 0.
func (rl *RateLimiter) BlockDuration() time.Duration {
	blockedUntil := rl.blockedUntil.Load()
	if blockedUntil == 0 {
		return 0
	}
	duration := time.Until(time.Unix(0, blockedUntil))
	if duration < 0 {
		return 0
	}
	return duration
}

// sleepUntil sleeps until t or the context is done.
func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
