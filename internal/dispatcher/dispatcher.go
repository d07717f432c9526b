// Package dispatcher drains the event outbox to subscribers with
// at-least-once delivery and per-listing ordering.
package dispatcher

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/notify"
	"github.com/listingwatch/listingwatch/internal/telemetry"
)

// Config controls Dispatcher behavior.
type Config struct {
	ProcessingInterval time.Duration
	BatchSize          int
	Workers            int
	Lease              time.Duration
	ShardBuffer        int
}

func (c Config) withDefaults() Config {
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.ShardBuffer <= 0 {
		c.ShardBuffer = 32
	}
	return c
}

type item struct {
	event monitor.ChangeEvent
	subs  []monitor.Subscriber
}

// Dispatcher claims pending events and fans them out to subscribers.
// Events are sharded by listing ID into a fixed worker pool, so a
// listing's events are always processed serially by the same worker.
type Dispatcher struct {
	cfg      Config
	store    monitor.Store
	registry *notify.Registry
	clock    monitor.Clock
	logger   *zap.Logger

	shards []chan item
	wg     sync.WaitGroup

	mu     sync.Mutex
	runCtx context.Context
}

// New constructs a Dispatcher.
func New(cfg Config, store monitor.Store, registry *notify.Registry, clock monitor.Clock, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	shards := make([]chan item, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan item, cfg.ShardBuffer)
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		registry: registry,
		clock:    clock,
		logger:   logger,
		shards:   shards,
	}
}

// Run blocks, claiming and delivering until the context finishes, then
// drains the shard queues.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()

	for _, shard := range d.shards {
		d.wg.Add(1)
		go func(ch <-chan item) {
			defer d.wg.Done()
			for it := range ch {
				d.process(it)
			}
		}(shard)
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("batch_size", d.cfg.BatchSize),
	)

	ticker := time.NewTicker(d.cfg.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, shard := range d.shards {
				close(shard)
			}
			d.wg.Wait()
			d.logger.Info("dispatcher drained")
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain runs one claim pass, routing claimed events to their shards.
func (d *Dispatcher) Drain(ctx context.Context) {
	events, err := d.store.ClaimPendingEvents(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		// Store trouble: suspend claiming until the next tick.
		d.logger.Error("claim pending events failed", zap.Error(err))
		return
	}
	telemetry.SetClaimedBatch(len(events))
	if len(events) == 0 {
		return
	}

	subs, err := d.store.ListSubscribers(ctx)
	if err != nil {
		d.logger.Error("list subscribers failed", zap.Error(err))
		return
	}
	enabled := make([]monitor.Subscriber, 0, len(subs))
	for _, s := range subs {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	for _, ev := range events {
		d.shards[shardOf(ev.ListingID, len(d.shards))] <- item{event: ev, subs: enabled}
	}
}

func shardOf(listingID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(listingID))
	return int(h.Sum32() % uint32(n))
}

func (d *Dispatcher) process(it item) {
	// Deliveries run under the Run context so shutdown cancels in-flight
	// HTTP calls; outcome recording uses its own context so a canceled
	// shutdown still writes the event's fate.
	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	ev := it.event

	if len(it.subs) == 0 {
		// Nothing to deliver to; the event is still consumed.
		d.complete(context.Background(), ev, monitor.EventStatusProcessed)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range it.subs {
		g.Go(func() error {
			return d.registry.Deliver(gctx, sub, ev)
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("event delivery failed",
			zap.String("event_id", ev.EventID),
			zap.String("listing_id", ev.ListingID),
			zap.Int("retry_count", ev.RetryCount),
			zap.Error(err),
		)
		d.complete(context.Background(), ev, monitor.EventStatusFailed)
		return
	}
	d.complete(context.Background(), ev, monitor.EventStatusProcessed)
}

func (d *Dispatcher) complete(ctx context.Context, ev monitor.ChangeEvent, outcome monitor.EventStatus) {
	retryIncrement := 0
	if outcome == monitor.EventStatusFailed {
		retryIncrement = 1
	}
	if err := d.store.CompleteEvent(ctx, ev.EventID, outcome, retryIncrement); err != nil {
		d.logger.Error("complete event failed",
			zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}
	switch outcome {
	case monitor.EventStatusProcessed:
		telemetry.IncDispatched("success")
	case monitor.EventStatusFailed:
		telemetry.IncDispatched("failure")
	}
}
