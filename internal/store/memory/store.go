// Package memory provides an in-memory Store for development and testing.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/store"
)

type eventRow struct {
	event        monitor.ChangeEvent
	seq          int64
	leaseExpires time.Time
}

// Store keeps all engine state in process memory. A single mutex makes
// every operation, including CommitPollOutcome, atomic to observers.
type Store struct {
	mu          sync.RWMutex
	listings    map[string]monitor.CanonicalListing
	targets     map[string]monitor.PollingTarget
	subscribers map[string]monitor.Subscriber
	events      map[string]*eventRow
	seq         int64

	retry store.RetryPolicy
	clock monitor.Clock
}

// New constructs a Store.
func New(clock monitor.Clock, retry store.RetryPolicy) *Store {
	return &Store{
		listings:    make(map[string]monitor.CanonicalListing),
		targets:     make(map[string]monitor.PollingTarget),
		subscribers: make(map[string]monitor.Subscriber),
		events:      make(map[string]*eventRow),
		retry:       retry,
		clock:       clock,
	}
}

func listingKey(source, listingID string) string {
	return source + "\x00" + listingID
}

// GetListing returns the canonical listing or monitor.ErrNotFound.
func (s *Store) GetListing(_ context.Context, source, listingID string) (*monitor.CanonicalListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingKey(source, listingID)]
	if !ok {
		return nil, monitor.ErrNotFound
	}
	out := l
	return &out, nil
}

// ListListings returns all canonical listings for a source, ordered by
// listing ID for deterministic diffs.
func (s *Store) ListListings(_ context.Context, source string) ([]monitor.CanonicalListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.CanonicalListing
	for _, l := range s.listings {
		if l.Source == source {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b monitor.CanonicalListing) int {
		return strings.Compare(a.ListingID, b.ListingID)
	})
	return out, nil
}

// UpsertListing stores a canonical listing.
func (s *Store) UpsertListing(_ context.Context, listing monitor.CanonicalListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertListingLocked(listing)
	return nil
}

func (s *Store) upsertListingLocked(listing monitor.CanonicalListing) {
	s.listings[listingKey(listing.Source, listing.ListingID)] = listing
}

// MarkListingRemoved flips a listing to REMOVED and bumps its version.
func (s *Store) MarkListingRemoved(_ context.Context, source, listingID string, detectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := listingKey(source, listingID)
	l, ok := s.listings[key]
	if !ok {
		return monitor.ErrNotFound
	}
	l.Status = monitor.ListingStatusRemoved
	l.LastSeenAt = detectedAt
	l.UpdatedAt = detectedAt
	l.Version++
	s.listings[key] = l
	return nil
}

// GetTarget returns a polling target or monitor.ErrNotFound.
func (s *Store) GetTarget(_ context.Context, id string) (*monitor.PollingTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, monitor.ErrNotFound
	}
	out := t
	return &out, nil
}

// ListTargets returns all targets ordered by ID.
func (s *Store) ListTargets(_ context.Context) ([]monitor.PollingTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.PollingTarget, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b monitor.PollingTarget) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// UpsertTarget stores a target.
func (s *Store) UpsertTarget(_ context.Context, target monitor.PollingTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[target.ID] = target
	return nil
}

// DeleteTarget removes a target.
func (s *Store) DeleteTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return monitor.ErrNotFound
	}
	delete(s.targets, id)
	return nil
}

// GetSubscriber returns a subscriber or monitor.ErrNotFound.
func (s *Store) GetSubscriber(_ context.Context, id string) (*monitor.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, monitor.ErrNotFound
	}
	out := sub
	return &out, nil
}

// ListSubscribers returns all subscribers ordered by ID.
func (s *Store) ListSubscribers(_ context.Context) ([]monitor.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b monitor.Subscriber) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// UpsertSubscriber stores a subscriber.
func (s *Store) UpsertSubscriber(_ context.Context, sub monitor.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID] = sub
	return nil
}

// DeleteSubscriber removes a subscriber.
func (s *Store) DeleteSubscriber(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[id]; !ok {
		return monitor.ErrNotFound
	}
	delete(s.subscribers, id)
	return nil
}

// AppendEvents persists outbox rows.
func (s *Store) AppendEvents(_ context.Context, events []monitor.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventsLocked(events)
}

func (s *Store) appendEventsLocked(events []monitor.ChangeEvent) error {
	for _, ev := range events {
		if ev.EventID == "" {
			return fmt.Errorf("append events: event id is required")
		}
		if _, dup := s.events[ev.EventID]; dup {
			return fmt.Errorf("append events: duplicate event id %s", ev.EventID)
		}
		if ev.Status == "" {
			ev.Status = monitor.EventStatusPending
		}
		s.seq++
		s.events[ev.EventID] = &eventRow{event: ev, seq: s.seq}
	}
	return nil
}

// ClaimPendingEvents flips up to limit claimable events to IN_FLIGHT under
// a lease. Stale IN_FLIGHT rows and FAILED rows whose backoff elapsed are
// reclaimable.
func (s *Store) ClaimPendingEvents(_ context.Context, limit int, lease time.Duration) ([]monitor.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	// Per-listing delivery order: only the earliest undelivered event of a
	// listing may be claimed, so a later version can never reach a
	// subscriber while an earlier one is in flight or awaiting retry.
	earliest := make(map[string]int64)
	for _, row := range s.events {
		if !s.undelivered(row) {
			continue
		}
		key := listingKey(row.event.Source, row.event.ListingID)
		if cur, ok := earliest[key]; !ok || row.seq < cur {
			earliest[key] = row.seq
		}
	}

	rows := make([]*eventRow, 0, len(s.events))
	for _, row := range s.events {
		if s.claimable(row, now) && earliest[listingKey(row.event.Source, row.event.ListingID)] == row.seq {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b *eventRow) int {
		return int(a.seq - b.seq)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]monitor.ChangeEvent, 0, len(rows))
	for _, row := range rows {
		row.event.Status = monitor.EventStatusInFlight
		row.leaseExpires = now.Add(lease)
		out = append(out, row.event)
	}
	return out, nil
}

// undelivered reports whether a row still owes a delivery. Dead letters
// do not count: they block nothing until an operator requeues them.
func (s *Store) undelivered(row *eventRow) bool {
	switch row.event.Status {
	case monitor.EventStatusPending, monitor.EventStatusInFlight:
		return true
	case monitor.EventStatusFailed:
		return !s.retry.Exhausted(row.event.RetryCount)
	default:
		return false
	}
}

func (s *Store) claimable(row *eventRow, now time.Time) bool {
	switch row.event.Status {
	case monitor.EventStatusPending:
		return row.event.NextAttemptAt == nil || !row.event.NextAttemptAt.After(now)
	case monitor.EventStatusInFlight:
		return row.leaseExpires.Before(now)
	case monitor.EventStatusFailed:
		if s.retry.Exhausted(row.event.RetryCount) {
			return false
		}
		return row.event.NextAttemptAt != nil && !row.event.NextAttemptAt.After(now)
	default:
		return false
	}
}

// CompleteEvent records a delivery outcome.
func (s *Store) CompleteEvent(_ context.Context, eventID string, outcome monitor.EventStatus, retryIncrement int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.events[eventID]
	if !ok {
		return monitor.ErrNotFound
	}
	now := s.clock.Now()
	switch outcome {
	case monitor.EventStatusProcessed:
		row.event.Status = monitor.EventStatusProcessed
		row.event.NextAttemptAt = nil
	case monitor.EventStatusFailed:
		row.event.RetryCount += retryIncrement
		row.event.LastRetryAt = &now
		row.event.Status = monitor.EventStatusFailed
		if s.retry.Exhausted(row.event.RetryCount) {
			row.event.NextAttemptAt = nil
		} else {
			next := now.Add(s.retry.NextDelay(row.event.RetryCount))
			row.event.NextAttemptAt = &next
		}
	default:
		return fmt.Errorf("complete event %s: invalid outcome %q", eventID, outcome)
	}
	return nil
}

// ListDeadLetters returns FAILED events past the retry cap.
func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]monitor.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]*eventRow, 0)
	for _, row := range s.events {
		if row.event.Status == monitor.EventStatusFailed && s.retry.Exhausted(row.event.RetryCount) {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b *eventRow) int {
		return int(a.seq - b.seq)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]monitor.ChangeEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.event)
	}
	return out, nil
}

// RequeueEvent puts a dead-lettered event back into rotation.
func (s *Store) RequeueEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.events[eventID]
	if !ok {
		return monitor.ErrNotFound
	}
	row.event.Status = monitor.EventStatusPending
	row.event.RetryCount = 0
	row.event.NextAttemptAt = nil
	return nil
}

// CommitPollOutcome persists target state, listing mutations, and outbox
// events under one lock acquisition, so the write is atomic to observers.
func (s *Store) CommitPollOutcome(
	_ context.Context,
	target monitor.PollingTarget,
	listings []monitor.CanonicalListing,
	events []monitor.ChangeEvent,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if ev.EventID == "" {
			return fmt.Errorf("commit poll outcome: event id is required")
		}
		if _, dup := s.events[ev.EventID]; dup {
			return fmt.Errorf("commit poll outcome: duplicate event id %s", ev.EventID)
		}
	}
	s.targets[target.ID] = target
	for _, l := range listings {
		s.upsertListingLocked(l)
	}
	return s.appendEventsLocked(events)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}
