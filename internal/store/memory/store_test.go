package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newStore() (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	return New(clk, store.RetryPolicy{MaxRetries: 3, Base: time.Second, Cap: time.Minute}), clk
}

func event(id, listingID string, version int64) monitor.ChangeEvent {
	return monitor.ChangeEvent{
		EventID:   id,
		EventType: monitor.EventTypeUpdated,
		ListingID: listingID,
		Source:    "https://market.example/listings",
		Version:   version,
		Status:    monitor.EventStatusPending,
	}
}

func TestListingRoundTrip(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()

	_, err := s.GetListing(ctx, "src", "a")
	require.ErrorIs(t, err, monitor.ErrNotFound)

	listing := monitor.CanonicalListing{
		ListingID:   "a",
		Source:      "src",
		Status:      monitor.ListingStatusActive,
		Version:     1,
		FirstSeenAt: clk.now,
		LastSeenAt:  clk.now,
	}
	require.NoError(t, s.UpsertListing(ctx, listing))

	got, err := s.GetListing(ctx, "src", "a")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)

	all, err := s.ListListings(ctx, "src")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMarkListingRemovedBumpsVersion(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertListing(ctx, monitor.CanonicalListing{
		ListingID: "a", Source: "src", Status: monitor.ListingStatusActive, Version: 3,
	}))

	detected := clk.now.Add(time.Hour)
	require.NoError(t, s.MarkListingRemoved(ctx, "src", "a", detected))

	got, err := s.GetListing(ctx, "src", "a")
	require.NoError(t, err)
	require.Equal(t, monitor.ListingStatusRemoved, got.Status)
	require.Equal(t, int64(4), got.Version)
	require.Equal(t, detected, got.LastSeenAt)
}

func TestClaimPendingEventsOrdersAndLeases(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{
		event("e1", "a", 1),
		event("e2", "a", 2),
		event("e3", "b", 1),
	}))

	// e2 sits behind e1 for listing a; only the earliest undelivered event
	// of a listing is handed out.
	claimed, err := s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "e1", claimed[0].EventID)
	require.Equal(t, "e3", claimed[1].EventID)

	// Nothing reclaimable while the leases hold.
	claimed, err = s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)

	// Once the lease expires the stale IN_FLIGHT rows come back; e2 is
	// still parked behind e1.
	clk.now = clk.now.Add(2 * time.Minute)
	claimed, err = s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "e1", claimed[0].EventID)
	require.Equal(t, "e3", claimed[1].EventID)

	// Delivering e1 releases e2.
	require.NoError(t, s.CompleteEvent(ctx, "e1", monitor.EventStatusProcessed, 0))
	claimed, err = s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "e2", claimed[0].EventID)
}

func TestLaterEventBlockedWhileEarlierAwaitsRetry(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{
		event("e1", "a", 1),
		event("e2", "a", 2),
	}))

	claimed, err := s.ClaimPendingEvents(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "e1", claimed[0].EventID)
	require.NoError(t, s.CompleteEvent(ctx, "e1", monitor.EventStatusFailed, 1))

	// e2 must not reach a subscriber while e1 waits out its backoff.
	claimed, err = s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)

	clk.now = clk.now.Add(time.Minute + time.Second)
	claimed, err = s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "e1", claimed[0].EventID)
}

func TestDeadLetterDoesNotBlockLaterEvents(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{event("e1", "a", 1)}))

	for range 3 {
		clk.now = clk.now.Add(5 * time.Minute)
		claimed, err := s.ClaimPendingEvents(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, s.CompleteEvent(ctx, "e1", monitor.EventStatusFailed, 1))
	}

	// e1 is a dead letter now; it stops gating the listing.
	require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{event("e2", "a", 2)}))
	claimed, err := s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "e2", claimed[0].EventID)
}

func TestCompleteEventRetrySchedule(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{event("e1", "a", 1)}))

	_, err := s.ClaimPendingEvents(ctx, 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.CompleteEvent(ctx, "e1", monitor.EventStatusFailed, 1))

	// Not claimable until the backoff elapses.
	claimed, err := s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)

	clk.now = clk.now.Add(time.Minute + time.Second)
	claimed, err = s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].RetryCount)
}

func TestDeadLetterAfterMaxRetries(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{event("e1", "a", 1)}))

	for i := range 3 {
		clk.now = clk.now.Add(5 * time.Minute)
		claimed, err := s.ClaimPendingEvents(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", i+1)
		require.NoError(t, s.CompleteEvent(ctx, "e1", monitor.EventStatusFailed, 1))
	}

	// Retry cap reached: no longer claimable, visible as a dead letter.
	clk.now = clk.now.Add(time.Hour)
	claimed, err := s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)

	dead, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 3, dead[0].RetryCount)

	require.NoError(t, s.RequeueEvent(ctx, "e1"))
	claimed, err = s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestCompleteEventProcessed(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{event("e1", "a", 1)}))
	_, err := s.ClaimPendingEvents(ctx, 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.CompleteEvent(ctx, "e1", monitor.EventStatusProcessed, 0))
	claimed, err := s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestCommitPollOutcomeAtomicDuplicateRejected(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	target := monitor.PollingTarget{ID: "t1", URL: "https://market.example/l"}
	require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{event("dup", "a", 1)}))

	err := s.CommitPollOutcome(ctx, target,
		[]monitor.CanonicalListing{{ListingID: "a", Source: "src", Version: 1}},
		[]monitor.ChangeEvent{event("dup", "a", 2)},
	)
	require.Error(t, err)

	// Nothing from the failed commit is visible.
	_, err = s.GetTarget(ctx, "t1")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	_, err = s.GetListing(ctx, "src", "a")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	_ = clk
}

func TestCommitPollOutcomePersistsAll(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()
	target := monitor.PollingTarget{ID: "t1", URL: "https://market.example/l", LastPolledAt: clk.now}

	err := s.CommitPollOutcome(ctx, target,
		[]monitor.CanonicalListing{{ListingID: "a", Source: target.URL, Version: 1}},
		[]monitor.ChangeEvent{event("e1", "a", 1)},
	)
	require.NoError(t, err)

	got, err := s.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, clk.now, got.LastPolledAt)

	listings, err := s.ListListings(ctx, target.URL)
	require.NoError(t, err)
	require.Len(t, listings, 1)

	claimed, err := s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestEventVersionsStrictlyIncreasePerListing(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendEvents(ctx, []monitor.ChangeEvent{
			event(fmt.Sprintf("e%d", i), "a", int64(i)),
		}))
	}
	// One event per listing is in flight at a time; drain them in turn and
	// check the versions climb.
	last := int64(0)
	for range 5 {
		claimed, err := s.ClaimPendingEvents(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.Greater(t, claimed[0].Version, last)
		last = claimed[0].Version
		require.NoError(t, s.CompleteEvent(ctx, claimed[0].EventID, monitor.EventStatusProcessed, 0))
	}
}
