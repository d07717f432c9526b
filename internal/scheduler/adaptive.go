package scheduler

import (
	"time"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// PeakHours is the operator-configured [StartHour, EndHour) local range
// during which targets poll at full cadence. Outside it, intervals stretch
// by 1.5x. A range may wrap midnight.
type PeakHours struct {
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the peak range.
func (p PeakHours) Contains(t time.Time) bool {
	if p.StartHour == p.EndHour {
		return true
	}
	h := t.Hour()
	if p.StartHour < p.EndHour {
		return h >= p.StartHour && h < p.EndHour
	}
	return h >= p.StartHour || h < p.EndHour
}

// NextInterval computes the adaptive poll interval for a target. Active
// targets (change rate above the threshold) poll faster by activityBoost;
// quiet, healthy targets stretch toward maxInterval by the stability
// bonus. Off-peak hours stretch the result by 1.5x and an OPEN breaker by
// 2x. The result is always clamped into [minInterval, maxInterval].
func NextInterval(t monitor.PollingTarget, now time.Time, peak PeakHours) time.Duration {
	base := t.BaseInterval
	interval := base
	rate := t.CurrentChangeRate

	switch {
	case t.Adaptive.ChangeThreshold > 0 && rate > t.Adaptive.ChangeThreshold:
		boost := t.Adaptive.ActivityBoost
		if boost < 1 {
			boost = 1
		}
		interval = time.Duration(float64(base) / boost)
	case rate == 0 && t.ConsecutiveFailures == 0:
		// StabilityBonus is a factor in (0,1]; dividing by it lengthens
		// the interval for targets that have gone quiet.
		if bonus := t.Adaptive.StabilityBonus; bonus > 0 && bonus <= 1 {
			interval = time.Duration(float64(base) / bonus)
		}
	}

	if !peak.Contains(now) {
		interval = minDuration(t.MaxInterval, interval+interval/2)
	}
	if t.State() == monitor.BreakerOpen {
		interval = minDuration(t.MaxInterval, interval*2)
	}
	return clamp(interval, t.MinInterval, t.MaxInterval)
}

// FailureBackoff returns the extra delay stacked on top of the adaptive
// interval after consecutive failures: min(1s * 2^min(n,4), 5min).
func FailureBackoff(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	exp := consecutiveFailures
	if exp > 4 {
		exp = 4
	}
	backoff := time.Second << exp
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	return backoff
}

// ChangeRate computes changes/hour over the target's learning window from
// its bounded change history.
func ChangeRate(t monitor.PollingTarget, now time.Time) float64 {
	window := t.Adaptive.LearningWindow
	if window <= 0 {
		window = time.Hour
	}
	cutoff := now.Add(-window)
	changes := 0
	for _, rec := range t.ChangeHistory {
		if rec.At.After(cutoff) {
			changes += rec.Changes
		}
	}
	return float64(changes) / window.Hours()
}

// TrimHistory drops change-history entries older than the retention cap.
func TrimHistory(history []monitor.TargetChange, now time.Time, retention time.Duration) []monitor.TargetChange {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	cutoff := now.Add(-retention)
	out := history[:0]
	for _, rec := range history {
		if rec.At.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}

func minDuration(a, b time.Duration) time.Duration {
	if a > 0 && a < b {
		return a
	}
	return b
}
