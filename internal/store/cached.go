package store

import (
	"context"
	"time"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// Cached decorates a durable Store with an advisory ListingCache. Reads
// check the cache first; every mutation invalidates or refreshes so the
// durable store stays the source of truth.
type Cached struct {
	monitor.Store
	cache monitor.ListingCache
}

// WithCache wraps inner with the cache tier.
func WithCache(inner monitor.Store, cache monitor.ListingCache) *Cached {
	return &Cached{Store: inner, cache: cache}
}

// GetListing serves from the cache when possible.
func (c *Cached) GetListing(ctx context.Context, source, listingID string) (*monitor.CanonicalListing, error) {
	if l, ok := c.cache.Get(ctx, source, listingID); ok {
		return l, nil
	}
	l, err := c.Store.GetListing(ctx, source, listingID)
	if err != nil {
		return nil, err
	}
	c.cache.Put(ctx, *l)
	return l, nil
}

// UpsertListing writes through to the durable store, then refreshes the cache.
func (c *Cached) UpsertListing(ctx context.Context, listing monitor.CanonicalListing) error {
	if err := c.Store.UpsertListing(ctx, listing); err != nil {
		return err
	}
	c.cache.Put(ctx, listing)
	return nil
}

// MarkListingRemoved invalidates the cached entry after the durable write.
func (c *Cached) MarkListingRemoved(ctx context.Context, source, listingID string, detectedAt time.Time) error {
	if err := c.Store.MarkListingRemoved(ctx, source, listingID, detectedAt); err != nil {
		return err
	}
	c.cache.Invalidate(ctx, source, listingID)
	return nil
}

// CommitPollOutcome refreshes cached entries for the committed listings.
func (c *Cached) CommitPollOutcome(
	ctx context.Context,
	target monitor.PollingTarget,
	listings []monitor.CanonicalListing,
	events []monitor.ChangeEvent,
) error {
	if err := c.Store.CommitPollOutcome(ctx, target, listings, events); err != nil {
		return err
	}
	for _, l := range listings {
		c.cache.Put(ctx, l)
	}
	return nil
}
