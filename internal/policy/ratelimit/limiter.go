// Package ratelimit implements per-domain sliding-window rate accounting
// with a burst semaphore for in-flight request slots.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/telemetry"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

type domainState struct {
	mu        sync.Mutex
	minute    []time.Time
	hour      []time.Time
	burst     *semaphore.Weighted
	burstSize int
}

// Limiter tracks request budgets per domain.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domainState
	clock   monitor.Clock
}

// New creates a Limiter.
func New(clock monitor.Clock) *Limiter {
	return &Limiter{
		domains: make(map[string]*domainState),
		clock:   clock,
	}
}

func (l *Limiter) domain(name string, policy monitor.RateLimitPolicy) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.domains[name]
	if !ok {
		d = &domainState{}
		l.domains[name] = d
	}
	size := policy.Burst
	if size <= 0 {
		size = 1
	}
	if d.burst == nil || d.burstSize != size {
		d.burst = semaphore.NewWeighted(int64(size))
		d.burstSize = size
	}
	return d
}

// Allow consults the per-minute and per-hour sliding windows for the
// domain. On admission it records a request timestamp and returns (true, 0);
// on denial it returns the soonest time a token frees up. A zero policy
// count means that window is unlimited.
func (l *Limiter) Allow(domain string, policy monitor.RateLimitPolicy) (bool, time.Duration) {
	now := l.clock.Now()
	d := l.domain(domain, policy)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.minute = prune(d.minute, now.Add(-minuteWindow))
	d.hour = prune(d.hour, now.Add(-hourWindow))

	if policy.PerMinute > 0 && len(d.minute) >= policy.PerMinute {
		retry := d.minute[0].Add(minuteWindow).Sub(now)
		telemetry.ObserveRateLimitDelay(domain, retry)
		return false, retry
	}
	if policy.PerHour > 0 && len(d.hour) >= policy.PerHour {
		retry := d.hour[0].Add(hourWindow).Sub(now)
		telemetry.ObserveRateLimitDelay(domain, retry)
		return false, retry
	}

	d.minute = append(d.minute, now)
	d.hour = append(d.hour, now)
	return true, 0
}

// Acquire takes a burst slot for the domain, blocking until one frees or
// the context finishes. The slot is held for the duration of the outbound
// request and must be returned via Release.
func (l *Limiter) Acquire(ctx context.Context, domain string, policy monitor.RateLimitPolicy) error {
	d := l.domain(domain, policy)
	if err := d.burst.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire burst slot for %s: %w", domain, err)
	}
	return nil
}

// Release returns a burst slot for the domain.
func (l *Limiter) Release(domain string, policy monitor.RateLimitPolicy) {
	d := l.domain(domain, policy)
	d.burst.Release(1)
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
