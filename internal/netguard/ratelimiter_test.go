package netguard

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(minInterval, jitter time.Duration) *RateLimiter {
	return NewRateLimiter("test", minInterval, jitter, time.Second, 2.0, 60*time.Second)
}

func TestHandle429WithRetryAfterSeconds(t *testing.T) {
	rl := newTestLimiter(0, 0)

	resp := &http.Response{
		Header: http.Header{"Retry-After": []string{"5"}},
	}

	wait := rl.Handle429(resp)

	// ±10% jitter around 5s.
	assert.GreaterOrEqual(t, wait, 4500*time.Millisecond)
	assert.LessOrEqual(t, wait, 5500*time.Millisecond)

	assert.True(t, rl.IsBlocked())
	assert.InDelta(t, float64(5*time.Second), float64(rl.BlockDuration()), float64(time.Second))
}

func TestHandle429WithRetryAfterDate(t *testing.T) {
	rl := newTestLimiter(0, 0)

	futureTime := time.Now().UTC().Add(3 * time.Second)
	resp := &http.Response{
		Header: http.Header{"Retry-After": []string{futureTime.Format(http.TimeFormat)}},
	}

	wait := rl.Handle429(resp)

	assert.GreaterOrEqual(t, wait, 1*time.Second)
	assert.LessOrEqual(t, wait, 4*time.Second)
}

func TestHandle429BackoffGrowsWithConsecutiveHits(t *testing.T) {
	rl := newTestLimiter(0, 0)
	resp := &http.Response{Header: http.Header{}}

	// base 1s, multiplier 2: expect ~1s, ~2s, ~4s (±10% jitter).
	wait1 := rl.Handle429(resp)
	wait2 := rl.Handle429(resp)
	wait3 := rl.Handle429(resp)

	assert.InDelta(t, float64(time.Second), float64(wait1), float64(150*time.Millisecond))
	assert.InDelta(t, float64(2*time.Second), float64(wait2), float64(300*time.Millisecond))
	assert.InDelta(t, float64(4*time.Second), float64(wait3), float64(500*time.Millisecond))
}

func TestHandle429CapsRetryAfterAtMaxBackoff(t *testing.T) {
	rl := newTestLimiter(0, 0) // max backoff 60s

	resp := &http.Response{
		Header: http.Header{"Retry-After": []string{"3600"}}, // one hour
	}

	wait := rl.Handle429(resp)
	assert.LessOrEqual(t, wait, 66*time.Second, "capped at max backoff plus jitter")
	assert.GreaterOrEqual(t, wait, 54*time.Second)
}

func TestReportSuccessResetsConsecutiveHits(t *testing.T) {
	rl := newTestLimiter(0, 0)
	resp := &http.Response{Header: http.Header{}}

	rl.Handle429(resp)
	rl.Handle429(resp)
	rl.ReportSuccess()

	// Next 429 starts from the base again.
	wait := rl.Handle429(resp)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(150*time.Millisecond))
}

func TestBlockOnlyMovesForward(t *testing.T) {
	rl := newTestLimiter(0, 0)

	rl.Block(2 * time.Second)
	first := rl.BlockedUntil()

	rl.Block(500 * time.Millisecond)
	assert.Equal(t, first, rl.BlockedUntil(), "shorter block must not shrink the horizon")

	rl.Block(5 * time.Second)
	assert.True(t, rl.BlockedUntil().After(first))
}

func TestWaitIfBlockedNotBlocked(t *testing.T) {
	rl := newTestLimiter(0, 0)

	start := time.Now()
	waited, err := rl.WaitIfBlocked(context.Background())
	require.NoError(t, err)

	assert.False(t, waited)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitIfBlockedHonoursContext(t *testing.T) {
	rl := newTestLimiter(0, 0)
	rl.Block(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	waited, err := rl.WaitIfBlocked(ctx)

	assert.True(t, waited)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitPacesSequentialRequests(t *testing.T) {
	rl := newTestLimiter(50*time.Millisecond, 0)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, rl.Wait(ctx)) // first request goes immediately
	require.NoError(t, rl.Wait(ctx))
	require.NoError(t, rl.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond, "second and third waits must be spaced")
}

func TestWaitWithoutPacingReturnsImmediately(t *testing.T) {
	rl := newTestLimiter(0, 0)

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		mult    float64
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"first attempt", 1500 * time.Millisecond, 1.5, 60 * time.Second, 1, 1500 * time.Millisecond},
		{"second attempt", 1500 * time.Millisecond, 1.5, 60 * time.Second, 2, 2250 * time.Millisecond},
		{"capped", time.Second, 2.0, 10 * time.Second, 20, 10 * time.Second},
		{"attempt below one clamps", time.Second, 2.0, 10 * time.Second, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BackoffDelay(tt.base, tt.mult, tt.max, tt.attempt))
		})
	}
}
