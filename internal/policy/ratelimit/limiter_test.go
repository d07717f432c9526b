package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestAllowDeniesAfterPerMinuteBudget(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := New(clk)
	policy := monitor.RateLimitPolicy{PerMinute: 3, PerHour: 100, Burst: 1}

	for i := range 3 {
		ok, _ := l.Allow("market.example", policy)
		require.True(t, ok, "request %d should pass", i)
	}

	ok, retry := l.Allow("market.example", policy)
	require.False(t, ok)
	require.Greater(t, retry, time.Duration(0))
	require.LessOrEqual(t, retry, time.Minute)
}

func TestAllowRecoversAfterWindowSlides(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := New(clk)
	policy := monitor.RateLimitPolicy{PerMinute: 1}

	ok, _ := l.Allow("market.example", policy)
	require.True(t, ok)
	ok, retry := l.Allow("market.example", policy)
	require.False(t, ok)

	clk.now = clk.now.Add(retry + time.Second)
	ok, _ = l.Allow("market.example", policy)
	require.True(t, ok)
}

func TestAllowEnforcesHourWindow(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := New(clk)
	policy := monitor.RateLimitPolicy{PerMinute: 100, PerHour: 2}

	for range 2 {
		ok, _ := l.Allow("market.example", policy)
		require.True(t, ok)
	}
	// Sliding the minute window is not enough; the hour window still holds.
	clk.now = clk.now.Add(5 * time.Minute)
	ok, retry := l.Allow("market.example", policy)
	require.False(t, ok)
	require.Greater(t, retry, 50*time.Minute)
}

func TestDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := New(clk)
	policy := monitor.RateLimitPolicy{PerMinute: 1}

	ok, _ := l.Allow("a.example", policy)
	require.True(t, ok)
	ok, _ = l.Allow("b.example", policy)
	require.True(t, ok)
}

func TestBurstSlotsBlockConcurrentRequests(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	l := New(clk)
	policy := monitor.RateLimitPolicy{Burst: 1}

	require.NoError(t, l.Acquire(context.Background(), "market.example", policy))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "market.example", policy)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release("market.example", policy)
	require.NoError(t, l.Acquire(context.Background(), "market.example", policy))
	l.Release("market.example", policy)
}
