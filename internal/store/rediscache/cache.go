// Package rediscache provides a Redis-backed listing cache tier.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// Config controls the Redis connection and entry TTL.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache implements monitor.ListingCache on Redis. It is strictly advisory:
// any Redis error degrades to a miss and is logged at debug level, never
// surfaced to callers.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects a Redis client and verifies it with a ping.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{client: client, ttl: ttl, logger: logger}, nil
}

func key(source, listingID string) string {
	return "listing:" + source + ":" + listingID
}

// Get returns a cached listing, or false on miss or any Redis error.
func (c *Cache) Get(ctx context.Context, source, listingID string) (*monitor.CanonicalListing, bool) {
	raw, err := c.client.Get(ctx, key(source, listingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Debug("listing cache get failed", zap.Error(err))
		return nil, false
	}
	var l monitor.CanonicalListing
	if err := json.Unmarshal(raw, &l); err != nil {
		c.logger.Debug("listing cache entry corrupt", zap.String("key", key(source, listingID)), zap.Error(err))
		return nil, false
	}
	return &l, true
}

// Put stores a listing under the configured TTL.
func (c *Cache) Put(ctx context.Context, listing monitor.CanonicalListing) {
	raw, err := json.Marshal(listing)
	if err != nil {
		c.logger.Debug("listing cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key(listing.Source, listing.ListingID), raw, c.ttl).Err(); err != nil {
		c.logger.Debug("listing cache put failed", zap.Error(err))
	}
}

// Invalidate drops a cached listing.
func (c *Cache) Invalidate(ctx context.Context, source, listingID string) {
	if err := c.client.Del(ctx, key(source, listingID)).Err(); err != nil {
		c.logger.Debug("listing cache invalidate failed", zap.Error(err))
	}
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
