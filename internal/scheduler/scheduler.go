// Package scheduler drives the adaptive polling loop: it picks due
// targets, enforces the concurrency cap and per-domain rate limits,
// invokes the fetcher, runs the diff engine, and commits outcomes.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/listingwatch/listingwatch/internal/diff"
	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/policy/breaker"
	"github.com/listingwatch/listingwatch/internal/policy/ratelimit"
	"github.com/listingwatch/listingwatch/internal/telemetry"
)

// Config controls Scheduler behavior.
type Config struct {
	MaxConcurrentPolls int
	PollInterval       time.Duration
	QueueDepth         int
	ReconcileInterval  time.Duration
	WatchdogInterval   time.Duration
	TaskCeiling        time.Duration
	DrainDeadline      time.Duration
	PollDeadline       time.Duration
	// ParseFailureTolerance is the number of consecutive parse failures a
	// target may accumulate before the cycle is abandoned instead of
	// backed off.
	ParseFailureTolerance int
	Peak                  PeakHours
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPolls <= 0 {
		c.MaxConcurrentPolls = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 24 * time.Hour
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.TaskCeiling <= 0 {
		c.TaskCeiling = 5 * time.Minute
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 30 * time.Second
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = 2 * time.Minute
	}
	if c.ParseFailureTolerance <= 0 {
		c.ParseFailureTolerance = 3
	}
	return c
}

type task struct {
	targetID  string
	startedAt time.Time
	evicted   bool
}

// Scheduler owns the poll loop. Concurrency slots are semaphore tokens so
// the watchdog can free a stuck task's slot without killing the task.
type Scheduler struct {
	cfg     Config
	store   monitor.Store
	fetcher monitor.Fetcher
	engine  *diff.Engine
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	clock   monitor.Clock
	logger  *zap.Logger

	slots *semaphore.Weighted

	mu         sync.Mutex
	active     map[string]*task
	queue      []string
	queued     map[string]struct{}
	firstPages map[string]map[string]struct{}
	parseFails map[string]int

	wg sync.WaitGroup
}

// New constructs a Scheduler.
func New(
	cfg Config,
	store monitor.Store,
	fetcher monitor.Fetcher,
	engine *diff.Engine,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	clock monitor.Clock,
	logger *zap.Logger,
) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		fetcher:    fetcher,
		engine:     engine,
		limiter:    limiter,
		breaker:    brk,
		clock:      clock,
		logger:     logger,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentPolls)),
		active:     make(map[string]*task),
		queued:     make(map[string]struct{}),
		firstPages: make(map[string]map[string]struct{}),
		parseFails: make(map[string]int),
	}
}

// Run blocks, driving the tick, watchdog, and reconciliation timers until
// the context finishes, then drains in-flight tasks.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.PollInterval)
	watchdog := time.NewTicker(s.cfg.WatchdogInterval)
	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	defer tick.Stop()
	defer watchdog.Stop()
	defer reconcile.Stop()

	s.logger.Info("scheduler started",
		zap.Int("max_concurrent_polls", s.cfg.MaxConcurrentPolls),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-tick.C:
			s.Tick(ctx)
		case <-watchdog.C:
			s.evictStale()
		case <-reconcile.C:
			s.Reconcile(ctx)
		}
	}
}

// Tick runs one scheduling pass: select due targets, enqueue, and launch
// poll tasks while slots are available.
func (s *Scheduler) Tick(ctx context.Context) {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		s.logger.Error("list targets failed", zap.Error(err))
		return
	}
	now := s.clock.Now()

	s.mu.Lock()
	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		if _, inFlight := s.active[t.ID]; inFlight {
			continue
		}
		if _, waiting := s.queued[t.ID]; waiting {
			continue
		}
		if !s.due(t, now) {
			continue
		}
		if len(s.queue) >= s.cfg.QueueDepth {
			s.logger.Warn("ready queue full, dropping target for this tick", zap.String("target_id", t.ID))
			break
		}
		s.queue = append(s.queue, t.ID)
		s.queued[t.ID] = struct{}{}
	}
	s.mu.Unlock()

	s.launch(ctx)
}

func (s *Scheduler) due(t monitor.PollingTarget, now time.Time) bool {
	if !t.NextPollAt.IsZero() {
		return !t.NextPollAt.After(now)
	}
	if t.LastPolledAt.IsZero() {
		return true
	}
	return now.Sub(t.LastPolledAt) >= NextInterval(t, now, s.cfg.Peak)
}

func (s *Scheduler) launch(ctx context.Context) {
	for {
		if !s.slots.TryAcquire(1) {
			return
		}
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			s.slots.Release(1)
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, id)
		tk := &task{targetID: id, startedAt: s.clock.Now()}
		s.active[id] = tk
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTask(ctx, tk, false)
		}()
	}
}

// ForcePoll polls a single target immediately with a full fetch,
// bypassing the due check. It blocks until the poll completes.
func (s *Scheduler) ForcePoll(ctx context.Context, targetID string) error {
	if _, err := s.store.GetTarget(ctx, targetID); err != nil {
		return err
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	tk := &task{targetID: targetID, startedAt: s.clock.Now()}
	s.mu.Lock()
	s.active[targetID] = tk
	s.mu.Unlock()
	s.runTask(ctx, tk, true)
	return nil
}

// Reconcile forces a full fetch for every enabled target regardless of
// schedule and flips any OPEN breaker to HALF_OPEN to re-probe.
func (s *Scheduler) Reconcile(ctx context.Context) {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		s.logger.Error("reconcile: list targets failed", zap.Error(err))
		return
	}
	s.logger.Info("reconciliation sweep started", zap.Int("targets", len(targets)))

	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		if t.State() == monitor.BreakerOpen {
			fresh := t
			s.breaker.ForceHalfOpen(&fresh)
			if err := s.store.UpsertTarget(ctx, fresh); err != nil {
				s.logger.Error("reconcile: persist half-open failed",
					zap.String("target_id", t.ID), zap.Error(err))
				continue
			}
			telemetry.SetBreakerState(fresh.ID, string(fresh.State()))
		}
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return
		}
		tk := &task{targetID: t.ID, startedAt: s.clock.Now()}
		s.mu.Lock()
		if _, inFlight := s.active[t.ID]; inFlight {
			s.mu.Unlock()
			s.slots.Release(1)
			continue
		}
		s.active[t.ID] = tk
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTask(ctx, tk, true)
		}()
	}
}

func (s *Scheduler) runTask(ctx context.Context, tk *task, forceFull bool) {
	defer s.finish(tk)
	defer func() {
		if r := recover(); r != nil {
			// The task may have died between Allow and a recorded outcome;
			// free any probe slot it was holding.
			s.breaker.ReleaseProbe(tk.targetID)
			s.logger.Error("poll task panicked",
				zap.String("target_id", tk.targetID), zap.Any("panic", r))
		}
	}()

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollDeadline)
	defer cancel()

	t, err := s.store.GetTarget(pollCtx, tk.targetID)
	if err != nil {
		s.logger.Error("load target failed", zap.String("target_id", tk.targetID), zap.Error(err))
		return
	}
	if !t.Enabled {
		return
	}
	now := s.clock.Now()

	if ok, retryAfter := s.limiter.Allow(t.Domain, t.RateLimit); !ok {
		s.reschedule(pollCtx, t, now.Add(retryAfter))
		telemetry.IncPoll(t.Domain, "rate_limited")
		return
	}
	if err := s.limiter.Acquire(pollCtx, t.Domain, t.RateLimit); err != nil {
		s.reschedule(pollCtx, t, now.Add(NextInterval(*t, now, s.cfg.Peak)))
		return
	}
	defer s.limiter.Release(t.Domain, t.RateLimit)

	if !s.breaker.Allow(t) {
		s.reschedule(pollCtx, t, now.Add(NextInterval(*t, now, s.cfg.Peak)))
		telemetry.IncPoll(t.Domain, "breaker_open")
		return
	}
	telemetry.SetBreakerState(t.ID, string(t.State()))

	telemetry.AddActivePolls(1)
	defer telemetry.AddActivePolls(-1)
	start := s.clock.Now()
	s.poll(pollCtx, t, forceFull)
	telemetry.ObservePollDuration(t.Domain, s.clock.Now().Sub(start))
}

func (s *Scheduler) poll(ctx context.Context, t *monitor.PollingTarget, forceFull bool) {
	var snapshot monitor.FetchResult
	// The first-page ID set is remembered only after the poll commits, so
	// a failed full fetch or commit cannot park the fast path on a set the
	// canonical state never absorbed.
	var firstIDs map[string]struct{}

	if forceFull {
		full, err := s.fetcher.Fetch(ctx, *t, true)
		if err != nil {
			s.fail(ctx, t, err)
			return
		}
		snapshot = full
	} else {
		first, err := s.fetcher.Fetch(ctx, *t, false)
		if err != nil {
			s.fail(ctx, t, err)
			return
		}
		ids := first.IDSet()
		if prior, ok := s.priorFirstPage(t.ID); ok && setsEqual(prior, ids) {
			// First page unchanged: skip the full fetch and commit only
			// the refreshed schedule state.
			s.succeedNoChange(ctx, t)
			return
		}
		firstIDs = ids
		if first.Full {
			snapshot = first
		} else {
			full, err := s.fetcher.Fetch(ctx, *t, true)
			if err != nil {
				s.fail(ctx, t, err)
				return
			}
			snapshot = full
		}
	}

	canonical, err := s.store.ListListings(ctx, t.URL)
	if err != nil {
		s.fail(ctx, t, err)
		return
	}
	result, err := s.engine.Diff(*t, snapshot, canonical)
	if err != nil {
		s.fail(ctx, t, err)
		return
	}

	now := s.clock.Now()
	s.breaker.RecordSuccess(t)
	s.resetParseFailures(t.ID)
	t.LastPolledAt = now
	t.LastSuccessAt = now
	if n := len(result.Events); n > 0 {
		t.ChangeHistory = append(t.ChangeHistory, monitor.TargetChange{At: now, Changes: n})
	}
	t.ChangeHistory = TrimHistory(t.ChangeHistory, now, 24*time.Hour)
	t.CurrentChangeRate = ChangeRate(*t, now)
	t.NextPollAt = now.Add(NextInterval(*t, now, s.cfg.Peak))
	t.UpdatedAt = now

	if err := s.store.CommitPollOutcome(ctx, *t, result.Updates, result.Events); err != nil {
		s.fail(ctx, t, err)
		return
	}
	if firstIDs != nil {
		s.rememberFirstPage(t.ID, firstIDs)
	}

	for _, ev := range result.Events {
		telemetry.IncChanges(string(ev.EventType), 1)
	}
	telemetry.IncPoll(t.Domain, "success")
	telemetry.SetBreakerState(t.ID, string(t.State()))
	s.logger.Debug("poll committed",
		zap.String("target_id", t.ID),
		zap.Int("listings", len(snapshot.Listings)),
		zap.Int("events", len(result.Events)),
		zap.Time("next_poll_at", t.NextPollAt),
	)
}

// succeedNoChange refreshes schedule state after the first-page fast path
// concluded nothing changed.
func (s *Scheduler) succeedNoChange(ctx context.Context, t *monitor.PollingTarget) {
	now := s.clock.Now()
	s.breaker.RecordSuccess(t)
	s.resetParseFailures(t.ID)
	t.LastPolledAt = now
	t.LastSuccessAt = now
	t.ChangeHistory = TrimHistory(t.ChangeHistory, now, 24*time.Hour)
	t.CurrentChangeRate = ChangeRate(*t, now)
	t.NextPollAt = now.Add(NextInterval(*t, now, s.cfg.Peak))
	t.UpdatedAt = now
	if err := s.store.UpsertTarget(ctx, *t); err != nil {
		s.logger.Error("persist target failed", zap.String("target_id", t.ID), zap.Error(err))
		return
	}
	telemetry.IncPoll(t.Domain, "unchanged")
	telemetry.SetBreakerState(t.ID, string(t.State()))
}

func (s *Scheduler) fail(ctx context.Context, t *monitor.PollingTarget, cause error) {
	now := s.clock.Now()

	if retryAfter, ok := monitor.IsRateLimited(cause); ok {
		s.reschedule(ctx, t, now.Add(retryAfter))
		telemetry.IncPoll(t.Domain, "rate_limited")
		telemetry.ObserveRateLimitDelay(t.Domain, retryAfter)
		return
	}

	// Parse errors start out transient; past the tolerance the cycle is
	// abandoned and the target waits out a full interval instead of
	// hammering an endpoint that keeps serving garbage.
	var parseErr *monitor.ParseError
	if errors.As(cause, &parseErr) {
		if s.recordParseFailure(t.ID) >= s.cfg.ParseFailureTolerance {
			s.resetParseFailures(t.ID)
			s.breaker.RecordFailure(t)
			t.LastPolledAt = now
			t.NextPollAt = now.Add(NextInterval(*t, now, s.cfg.Peak))
			t.UpdatedAt = now
			if err := s.store.UpsertTarget(ctx, *t); err != nil {
				s.logger.Error("persist target failed", zap.String("target_id", t.ID), zap.Error(err))
			}
			telemetry.IncPoll(t.Domain, "error")
			telemetry.SetBreakerState(t.ID, string(t.State()))
			s.logger.Error("parse failures exhausted tolerance, abandoning cycle",
				zap.String("target_id", t.ID),
				zap.Int("tolerance", s.cfg.ParseFailureTolerance),
				zap.Error(cause),
			)
			return
		}
	}

	s.breaker.RecordFailure(t)
	t.LastPolledAt = now
	backoff := FailureBackoff(t.ConsecutiveFailures)
	t.NextPollAt = now.Add(NextInterval(*t, now, s.cfg.Peak) + backoff)
	t.UpdatedAt = now
	if err := s.store.UpsertTarget(ctx, *t); err != nil {
		s.logger.Error("persist target failed", zap.String("target_id", t.ID), zap.Error(err))
	}
	telemetry.IncPoll(t.Domain, "error")
	telemetry.SetBreakerState(t.ID, string(t.State()))
	s.logger.Warn("poll failed",
		zap.String("target_id", t.ID),
		zap.Int("consecutive_failures", t.ConsecutiveFailures),
		zap.String("breaker_state", string(t.State())),
		zap.Duration("backoff", backoff),
		zap.Error(cause),
	)
}

// reschedule persists only a new next-poll time; no breaker penalty.
func (s *Scheduler) reschedule(ctx context.Context, t *monitor.PollingTarget, at time.Time) {
	t.NextPollAt = at
	t.UpdatedAt = s.clock.Now()
	if err := s.store.UpsertTarget(ctx, *t); err != nil {
		s.logger.Error("persist target failed", zap.String("target_id", t.ID), zap.Error(err))
	}
}

func (s *Scheduler) finish(tk *task) {
	s.mu.Lock()
	evicted := tk.evicted
	if !evicted {
		delete(s.active, tk.targetID)
	}
	s.mu.Unlock()
	if !evicted {
		s.slots.Release(1)
	}
}

// evictStale frees the concurrency slot of any task older than the task
// ceiling. The task itself may still complete and write its result.
func (s *Scheduler) evictStale() {
	now := s.clock.Now()
	s.mu.Lock()
	for id, tk := range s.active {
		if now.Sub(tk.startedAt) < s.cfg.TaskCeiling {
			continue
		}
		tk.evicted = true
		delete(s.active, id)
		s.slots.Release(1)
		s.logger.Warn("evicted stale poll task",
			zap.String("target_id", id),
			zap.Duration("age", now.Sub(tk.startedAt)),
		)
	}
	s.mu.Unlock()
}

func (s *Scheduler) drain() {
	dctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainDeadline)
	defer cancel()
	if err := s.slots.Acquire(dctx, int64(s.cfg.MaxConcurrentPolls)); err != nil {
		s.mu.Lock()
		remaining := len(s.active)
		s.mu.Unlock()
		s.logger.Warn("drain deadline exceeded, abandoning in-flight polls",
			zap.Int("remaining", remaining))
		return
	}
	s.logger.Info("scheduler drained")
}

// ActiveCount reports in-flight poll tasks, for the status endpoint.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) priorFirstPage(targetID string) (map[string]struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.firstPages[targetID]
	return ids, ok
}

func (s *Scheduler) recordParseFailure(targetID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parseFails[targetID]++
	return s.parseFails[targetID]
}

func (s *Scheduler) resetParseFailures(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.parseFails, targetID)
}

func (s *Scheduler) rememberFirstPage(targetID string, ids map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstPages[targetID] = ids
}

// Exact set equality; the fast path never uses a weaker comparison.
func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
