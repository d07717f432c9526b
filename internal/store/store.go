// Package store provides shared store helpers: outbox retry policy and the
// caching decorator over a durable monitor.Store.
package store

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy schedules outbox redelivery with exponential backoff and
// full jitter. Past MaxRetries an event is a dead letter.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// DefaultRetryPolicy returns the standard outbox retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Base:       time.Second,
		Cap:        5 * time.Minute,
	}
}

// Exhausted reports whether retryCount is past the cap.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// NextDelay computes the wait before the given retry attempt: a uniformly
// random duration in (0, min(Cap, Base*2^retryCount)].
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	capped := p.Cap
	if capped <= 0 {
		capped = 5 * time.Minute
	}
	ceiling := float64(base) * math.Pow(2, float64(retryCount))
	if ceiling > float64(capped) {
		ceiling = float64(capped)
	}
	return time.Duration(rand.Int64N(int64(ceiling)) + 1)
}
