// Package telemetry defines the Prometheus metrics for the engine.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingwatch_polls_total",
			Help: "Total poll attempts, labeled by domain and outcome.",
		},
		[]string{"domain", "outcome"},
	)

	pollDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listingwatch_poll_duration_seconds",
			Help:    "Histogram of poll task durations.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"domain"},
	)

	changesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingwatch_changes_total",
			Help: "Total change events emitted, labeled by type.",
		},
		[]string{"type"},
	)

	eventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingwatch_events_dispatched_total",
			Help: "Total event delivery attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	outboxPendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listingwatch_outbox_claimed",
			Help: "Events claimed by the dispatcher in the last batch.",
		},
	)

	breakerStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "listingwatch_breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=half-open, 2=open).",
		},
		[]string{"target"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listingwatch_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit retry-after durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"domain"},
	)

	activePollsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listingwatch_active_polls",
			Help: "Number of poll tasks currently in flight.",
		},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listingwatch_http_request_duration_seconds",
			Help:    "Histogram of admin API request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// IncPoll records a poll attempt outcome ("ok", "failed", "rate_limited",
// "skipped").
func IncPoll(domain, outcome string) {
	pollsTotal.WithLabelValues(domain, outcome).Inc()
}

// ObservePollDuration records how long a poll task took.
func ObservePollDuration(domain string, d time.Duration) {
	pollDurationSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// IncChanges records emitted change events by type.
func IncChanges(eventType string, n int) {
	if n > 0 {
		changesTotal.WithLabelValues(eventType).Add(float64(n))
	}
}

// IncDispatched records a delivery attempt outcome ("processed", "failed").
func IncDispatched(outcome string) {
	eventsDispatchedTotal.WithLabelValues(outcome).Inc()
}

// SetClaimedBatch records the size of the last claimed outbox batch.
func SetClaimedBatch(n int) {
	outboxPendingGauge.Set(float64(n))
}

// SetBreakerState exposes a target's breaker state as a gauge.
func SetBreakerState(targetID string, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	breakerStateGauge.WithLabelValues(targetID).Set(v)
}

// ObserveRateLimitDelay records a rate-limit denial's retry-after.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// AddActivePolls adjusts the in-flight poll gauge.
func AddActivePolls(delta int) {
	activePollsGauge.Add(float64(delta))
}

// ObserveHTTPRequest records one admin API request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
