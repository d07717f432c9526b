package monitor

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by store lookups for missing entities.
var ErrNotFound = errors.New("not found")

// ErrBreakerOpen is returned when a target's circuit breaker refuses traffic.
var ErrBreakerOpen = errors.New("circuit breaker open")

// TransientFetchError wraps network-level fetch failures (timeouts, 5xx,
// DNS). These count against the target's circuit breaker.
type TransientFetchError struct {
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure: %v", e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// RateLimitedError signals that the per-domain budget is exhausted. It is
// not a circuit breaker failure; the poll is rescheduled at RetryAfter.
type RateLimitedError struct {
	Domain     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("domain %s rate limited, retry after %s", e.Domain, e.RetryAfter)
}

// ParseError signals that a fetch returned unparseable data.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DeliveryError reports a failed delivery to one subscriber. The event is
// marked FAILED and retried per policy until dead-lettered.
type DeliveryError struct {
	SubscriberID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to subscriber %s: %v", e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ConfigError reports an invalid target or subscriber at registration.
// It is surfaced synchronously to the admin caller and never enqueued.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }

// IsRateLimited reports whether err is a rate-limit denial and returns the
// suggested retry delay.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err should count as a transient poll failure
// (backoff plus circuit breaker penalty) rather than abort the cycle.
func IsTransient(err error) bool {
	var tf *TransientFetchError
	if errors.As(err, &tf) {
		return true
	}
	var pe *ParseError
	return errors.As(err, &pe)
}
