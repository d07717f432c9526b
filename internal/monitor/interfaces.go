package monitor

import (
	"context"
	"time"
)

// Store persists canonical listings, polling targets, subscribers, and the
// event outbox. It is the only writer of persistent state; all mutations
// travel through its transactional API.
type Store interface {
	GetListing(ctx context.Context, source, listingID string) (*CanonicalListing, error)
	ListListings(ctx context.Context, source string) ([]CanonicalListing, error)
	UpsertListing(ctx context.Context, listing CanonicalListing) error
	MarkListingRemoved(ctx context.Context, source, listingID string, detectedAt time.Time) error

	GetTarget(ctx context.Context, id string) (*PollingTarget, error)
	ListTargets(ctx context.Context) ([]PollingTarget, error)
	UpsertTarget(ctx context.Context, target PollingTarget) error
	DeleteTarget(ctx context.Context, id string) error

	GetSubscriber(ctx context.Context, id string) (*Subscriber, error)
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
	UpsertSubscriber(ctx context.Context, sub Subscriber) error
	DeleteSubscriber(ctx context.Context, id string) error

	// AppendEvents persists outbox rows atomically with any listing upserts
	// performed in the same call chain.
	AppendEvents(ctx context.Context, events []ChangeEvent) error

	// ClaimPendingEvents atomically flips up to limit claimable events to
	// IN_FLIGHT under a lease. Stale IN_FLIGHT rows (lease expired) and
	// FAILED rows whose retry backoff has elapsed are reclaimable.
	ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]ChangeEvent, error)

	// CompleteEvent records a delivery outcome. A FAILED outcome with
	// retries remaining schedules the next attempt; past the retry cap the
	// event stays FAILED as a dead letter.
	CompleteEvent(ctx context.Context, eventID string, outcome EventStatus, retryIncrement int) error

	ListDeadLetters(ctx context.Context, limit int) ([]ChangeEvent, error)
	RequeueEvent(ctx context.Context, eventID string) error

	// CommitPollOutcome persists target state, listing mutations, and new
	// outbox events atomically.
	CommitPollOutcome(ctx context.Context, target PollingTarget, listings []CanonicalListing, events []ChangeEvent) error

	Close()
}

// ListingCache is an advisory fast tier over listing lookups. Every read
// path falls through to the durable store on miss.
type ListingCache interface {
	Get(ctx context.Context, source, listingID string) (*CanonicalListing, bool)
	Put(ctx context.Context, listing CanonicalListing)
	Invalidate(ctx context.Context, source, listingID string)
}

// Fetcher turns a remote listing index into a snapshot. When full is false
// only the first page is fetched; when true, the complete surface.
type Fetcher interface {
	Fetch(ctx context.Context, target PollingTarget, full bool) (FetchResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
