package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/diff"
	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/policy/breaker"
	"github.com/listingwatch/listingwatch/internal/policy/ratelimit"
	"github.com/listingwatch/listingwatch/internal/store"
	"github.com/listingwatch/listingwatch/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("event-%d", g.n), nil
}

type fakeFetcher struct {
	mu         sync.Mutex
	firstPage  monitor.FetchResult
	full       monitor.FetchResult
	err        error
	fullErr    error
	firstCalls int
	fullCalls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ monitor.PollingTarget, full bool) (monitor.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if full {
		f.fullCalls++
	} else {
		f.firstCalls++
	}
	if f.err != nil {
		return monitor.FetchResult{}, f.err
	}
	if full && f.fullErr != nil {
		return monitor.FetchResult{}, f.fullErr
	}
	if full {
		return f.full, nil
	}
	return f.firstPage, nil
}

func (f *fakeFetcher) setFullErr(err error) {
	f.mu.Lock()
	f.fullErr = err
	f.mu.Unlock()
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstCalls, f.fullCalls
}

func price(v float64) *float64 { return &v }

type fixture struct {
	sched   *Scheduler
	store   *memory.Store
	fetcher *fakeFetcher
	clock   *fakeClock
	breaker *breaker.Breaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	st := memory.New(clk, store.DefaultRetryPolicy())
	engine, err := diff.New(diff.Config{}, clk, &seqIDs{}, zap.NewNop())
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	brk := breaker.New(breaker.DefaultConfig(), clk)
	sched := New(
		Config{MaxConcurrentPolls: 2, PollInterval: 10 * time.Millisecond},
		st, fetcher, engine, ratelimit.New(clk), brk, clk, zap.NewNop(),
	)
	return &fixture{sched: sched, store: st, fetcher: fetcher, clock: clk, breaker: brk}
}

func (f *fixture) addTarget(t *testing.T, mutate func(*monitor.PollingTarget)) monitor.PollingTarget {
	t.Helper()
	target := monitor.PollingTarget{
		ID:           "t1",
		URL:          "https://market.example/listings",
		Domain:       "market.example",
		BaseInterval: 10 * time.Minute,
		MinInterval:  time.Minute,
		MaxInterval:  time.Hour,
		Enabled:      true,
	}
	if mutate != nil {
		mutate(&target)
	}
	require.NoError(t, f.store.UpsertTarget(context.Background(), target))
	return target
}

func snapshot(full bool, listings ...monitor.RawListing) monitor.FetchResult {
	return monitor.FetchResult{
		Listings: listings,
		Full:     full,
		Source:   "https://market.example/listings",
	}
}

func TestTickPollsDueTargetAndCommits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, nil)
	f.fetcher.firstPage = snapshot(false, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	f.fetcher.full = snapshot(true, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	ctx := context.Background()

	f.sched.Tick(ctx)

	require.Eventually(t, func() bool {
		_, err := f.store.GetListing(ctx, "https://market.example/listings", "a")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	claimed, err := f.store.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, monitor.EventTypeCreated, claimed[0].EventType)

	got, err := f.store.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.True(t, got.NextPollAt.After(f.clock.Now()))
	require.Equal(t, f.clock.Now(), got.LastSuccessAt)
}

func TestFirstPageFastPathSkipsFullFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, nil)
	f.fetcher.firstPage = snapshot(false, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	f.fetcher.full = snapshot(true, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	ctx := context.Background()

	f.sched.Tick(ctx)
	require.Eventually(t, func() bool {
		_, full := f.fetcher.calls()
		return full == 1
	}, time.Second, 5*time.Millisecond)

	// Make the target due again; the unchanged first page short-circuits.
	f.clock.Advance(time.Hour)
	f.sched.Tick(ctx)

	require.Eventually(t, func() bool {
		first, _ := f.fetcher.calls()
		return first == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := f.store.GetTarget(ctx, "t1")
		return err == nil && got.LastSuccessAt.Equal(f.clock.Now())
	}, time.Second, 5*time.Millisecond)

	_, full := f.fetcher.calls()
	require.Equal(t, 1, full, "second poll must not fetch the full surface")
}

func TestFirstPageNotMemoizedWhenFullFetchFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, nil)
	f.fetcher.firstPage = snapshot(false, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	f.fetcher.full = snapshot(true, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	f.fetcher.setFullErr(errors.New("connection reset"))
	ctx := context.Background()

	f.sched.Tick(ctx)
	require.Eventually(t, func() bool {
		got, err := f.store.GetTarget(ctx, "t1")
		return err == nil && got.ConsecutiveFailures == 1
	}, time.Second, 5*time.Millisecond)
	_, err := f.store.GetListing(ctx, "https://market.example/listings", "a")
	require.ErrorIs(t, err, monitor.ErrNotFound)

	// Once the full fetch heals, the identical first page must not
	// short-circuit the retry: nothing was committed last time.
	f.fetcher.setFullErr(nil)
	f.clock.Advance(2 * time.Hour)
	f.sched.Tick(ctx)

	require.Eventually(t, func() bool {
		_, err := f.store.GetListing(ctx, "https://market.example/listings", "a")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	_, full := f.fetcher.calls()
	require.Equal(t, 2, full, "retry must fetch the full surface again")
}

func TestParseFailuresAbandonCycleAtTolerance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, nil)
	f.fetcher.err = &monitor.ParseError{
		Source: "https://market.example/listings",
		Err:    errors.New("markup changed"),
	}
	ctx := context.Background()

	// Below the tolerance a parse failure backs off like any transient
	// error.
	for i := 1; i <= 2; i++ {
		require.NoError(t, f.sched.ForcePoll(ctx, "t1"))
		got, err := f.store.GetTarget(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, i, got.ConsecutiveFailures)
		expected := f.clock.Now().Add(NextInterval(*got, f.clock.Now(), PeakHours{}) + FailureBackoff(i))
		require.Equal(t, expected, got.NextPollAt)
	}

	// The third consecutive parse failure abandons the cycle: the breaker
	// still counts it, but the target waits out a plain interval with no
	// backoff stacked on top.
	require.NoError(t, f.sched.ForcePoll(ctx, "t1"))
	got, err := f.store.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 3, got.ConsecutiveFailures)
	require.Equal(t, f.clock.Now().Add(NextInterval(*got, f.clock.Now(), PeakHours{})), got.NextPollAt)
}

func TestFetchFailureSchedulesBackoffAndCountsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, nil)
	f.fetcher.err = errors.New("connection refused")
	ctx := context.Background()

	f.sched.Tick(ctx)

	require.Eventually(t, func() bool {
		got, err := f.store.GetTarget(ctx, "t1")
		return err == nil && got.ConsecutiveFailures == 1
	}, time.Second, 5*time.Millisecond)

	got, err := f.store.GetTarget(ctx, "t1")
	require.NoError(t, err)
	// Adaptive interval plus exponential backoff.
	require.True(t, got.NextPollAt.After(f.clock.Now().Add(10*time.Minute)))
	require.True(t, got.LastSuccessAt.IsZero())
}

func TestRateLimitedFetchErrorReschedulesWithoutBreakerPenalty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, nil)
	f.fetcher.err = &monitor.RateLimitedError{Domain: "market.example", RetryAfter: 90 * time.Second}
	ctx := context.Background()

	f.sched.Tick(ctx)

	require.Eventually(t, func() bool {
		got, err := f.store.GetTarget(ctx, "t1")
		return err == nil && !got.NextPollAt.IsZero()
	}, time.Second, 5*time.Millisecond)

	got, err := f.store.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.Zero(t, got.ConsecutiveFailures)
	require.Equal(t, f.clock.Now().Add(90*time.Second), got.NextPollAt)
}

func TestDomainRateLimitDenialSkipsFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, func(target *monitor.PollingTarget) {
		target.RateLimit = monitor.RateLimitPolicy{PerMinute: 1}
	})
	f.fetcher.firstPage = snapshot(true, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	f.fetcher.full = snapshot(true, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	ctx := context.Background()

	f.sched.Tick(ctx)
	require.Eventually(t, func() bool {
		first, _ := f.fetcher.calls()
		return first == 1
	}, time.Second, 5*time.Millisecond)

	// Second poll inside the same minute window is denied before fetching.
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.sched.ForcePoll(ctx, "t1"))

	first, _ := f.fetcher.calls()
	require.Equal(t, 1, first)
	got, err := f.store.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.Zero(t, got.ConsecutiveFailures)
	require.True(t, got.NextPollAt.After(f.clock.Now()))
}

func TestOpenBreakerSkipsPoll(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, func(target *monitor.PollingTarget) {
		target.BreakerState = monitor.BreakerOpen
		target.BreakerOpenedAt = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
		target.ConsecutiveFailures = 5
	})
	ctx := context.Background()

	require.NoError(t, f.sched.ForcePoll(ctx, "t1"))

	first, full := f.fetcher.calls()
	require.Zero(t, first)
	require.Zero(t, full)
}

func TestForcePollUnknownTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.sched.ForcePoll(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestForcePollFetchesFullSurface(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, nil)
	f.fetcher.full = snapshot(true, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	ctx := context.Background()

	require.NoError(t, f.sched.ForcePoll(ctx, "t1"))

	first, full := f.fetcher.calls()
	require.Zero(t, first, "force poll bypasses the first-page probe")
	require.Equal(t, 1, full)
	_, err := f.store.GetListing(ctx, "https://market.example/listings", "a")
	require.NoError(t, err)
}

func TestReconcileForcesHalfOpenAndFullFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, func(target *monitor.PollingTarget) {
		target.BreakerState = monitor.BreakerOpen
		target.BreakerOpenedAt = time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
		target.ConsecutiveFailures = 5
		target.NextPollAt = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	})
	f.fetcher.full = snapshot(true, monitor.RawListing{ID: "a", Title: "X", Price: price(100)})
	ctx := context.Background()

	f.sched.Reconcile(ctx)

	require.Eventually(t, func() bool {
		_, full := f.fetcher.calls()
		return full == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := f.store.GetTarget(ctx, "t1")
		if err != nil {
			return false
		}
		// The probe succeeded, so the breaker is on its way closed.
		return got.State() == monitor.BreakerHalfOpen && got.BreakerProbes == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDisabledTargetNeverPolled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, func(target *monitor.PollingTarget) { target.Enabled = false })
	ctx := context.Background()

	f.sched.Tick(ctx)
	f.sched.Reconcile(ctx)
	time.Sleep(20 * time.Millisecond)

	first, full := f.fetcher.calls()
	require.Zero(t, first)
	require.Zero(t, full)
}

func TestRepeatPollWithIdenticalDataEmitsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTarget(t, nil)
	listing := monitor.RawListing{ID: "a", Title: "X", Price: price(100)}
	f.fetcher.firstPage = snapshot(false, listing)
	f.fetcher.full = snapshot(true, listing)
	ctx := context.Background()

	require.NoError(t, f.sched.ForcePoll(ctx, "t1"))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.ForcePoll(ctx, "t1"))

	got, err := f.store.GetListing(ctx, "https://market.example/listings", "a")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)

	claimed, err := f.store.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "only the initial CREATED event exists")
}
