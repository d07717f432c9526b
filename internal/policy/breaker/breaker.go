// Package breaker implements per-target circuit breaking with
// CLOSED/OPEN/HALF_OPEN states persisted on the target.
package breaker

import (
	"sync"
	"time"

	"github.com/listingwatch/listingwatch/internal/monitor"
	"github.com/listingwatch/listingwatch/internal/telemetry"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenProbe    int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
		HalfOpenProbe:    3,
	}
}

// Breaker applies the state machine to targets. The durable state lives on
// the PollingTarget so it survives restarts; the breaker itself only keeps
// the in-memory single-probe gate for HALF_OPEN.
type Breaker struct {
	cfg   Config
	clock monitor.Clock

	mu      sync.Mutex
	probing map[string]bool
}

// New creates a Breaker.
func New(cfg Config, clock monitor.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 60 * time.Second
	}
	if cfg.HalfOpenProbe <= 0 {
		cfg.HalfOpenProbe = 3
	}
	return &Breaker{
		cfg:     cfg,
		clock:   clock,
		probing: make(map[string]bool),
	}
}

// Allow reports whether the target may be polled, transitioning
// OPEN to HALF_OPEN when the open duration has elapsed. In HALF_OPEN a
// single probe is admitted at a time.
func (b *Breaker) Allow(t *monitor.PollingTarget) bool {
	switch t.BreakerState {
	case monitor.BreakerOpen:
		if b.clock.Now().Sub(t.BreakerOpenedAt) < b.cfg.OpenDuration {
			return false
		}
		t.BreakerState = monitor.BreakerHalfOpen
		t.BreakerProbes = 0
		telemetry.SetBreakerState(t.ID, string(t.BreakerState))
		return b.admitProbe(t.ID)
	case monitor.BreakerHalfOpen:
		return b.admitProbe(t.ID)
	default:
		return true
	}
}

// ForceHalfOpen flips an OPEN breaker to HALF_OPEN regardless of elapsed
// time. The reconciliation sweep uses this to re-probe stuck targets.
func (b *Breaker) ForceHalfOpen(t *monitor.PollingTarget) {
	if t.BreakerState != monitor.BreakerOpen {
		return
	}
	t.BreakerState = monitor.BreakerHalfOpen
	t.BreakerProbes = 0
	telemetry.SetBreakerState(t.ID, string(t.BreakerState))
}

// RecordSuccess applies a successful poll outcome. In CLOSED the failure
// count drifts down by one; in HALF_OPEN enough consecutive successes
// close the breaker.
func (b *Breaker) RecordSuccess(t *monitor.PollingTarget) {
	b.clearProbe(t.ID)
	switch t.BreakerState {
	case monitor.BreakerHalfOpen:
		t.BreakerProbes++
		if t.BreakerProbes >= b.cfg.HalfOpenProbe {
			t.BreakerState = monitor.BreakerClosed
			t.BreakerProbes = 0
			t.ConsecutiveFailures = 0
		}
	default:
		if t.ConsecutiveFailures > 0 {
			t.ConsecutiveFailures--
		}
	}
	telemetry.SetBreakerState(t.ID, string(t.State()))
}

// RecordFailure applies a failed poll outcome. HALF_OPEN reopens on any
// failure; CLOSED opens once consecutive failures reach the threshold.
func (b *Breaker) RecordFailure(t *monitor.PollingTarget) {
	b.clearProbe(t.ID)
	t.ConsecutiveFailures++
	switch t.BreakerState {
	case monitor.BreakerHalfOpen:
		b.open(t)
	default:
		if t.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.open(t)
		}
	}
	telemetry.SetBreakerState(t.ID, string(t.State()))
}

func (b *Breaker) open(t *monitor.PollingTarget) {
	t.BreakerState = monitor.BreakerOpen
	t.BreakerOpenedAt = b.clock.Now()
	t.BreakerProbes = 0
}

func (b *Breaker) admitProbe(targetID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probing[targetID] {
		return false
	}
	b.probing[targetID] = true
	return true
}

func (b *Breaker) clearProbe(targetID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.probing, targetID)
}

// ReleaseProbe frees a target's probe slot without recording an outcome.
// Callers use it when a poll dies between Allow and RecordSuccess or
// RecordFailure, so an abandoned probe cannot starve the target.
func (b *Breaker) ReleaseProbe(targetID string) {
	b.clearProbe(targetID)
}
