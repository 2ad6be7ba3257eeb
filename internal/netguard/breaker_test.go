package netguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets breaker tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker("test", true, threshold, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerDisabledAdmitsEverything(t *testing.T) {
	b := NewBreaker("test", false, 1, time.Minute)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	assert.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCooldownAdmitsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// Before cooldown: still rejecting.
	clock.advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// After cooldown: one trial admitted, the rest rejected.
	clock.advance(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Trial succeeds: circuit closes, everything flows again.
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.Zero(t, b.Failures())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	clock.advance(61 * time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// Trial fails: back to open with a fresh cooldown window.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	clock.advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "fresh cooldown must start at the trial failure")

	clock.advance(31 * time.Second)
	assert.NoError(t, b.Allow(), "next trial after the fresh cooldown")
}

func TestBreakerSuccessClosesFromOpen(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// A request that was already in flight when the circuit opened
	// reports success: that is live evidence the provider works.
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State(), "count must reset on success, not accumulate")
	assert.Equal(t, 2, b.Failures())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
