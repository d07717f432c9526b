// Package monitor defines core types shared across subsystems.
package monitor

import (
	"net/url"
	"time"
)

// ListingStatus is the lifecycle state of a canonical listing.
type ListingStatus string

// Listing status values persisted in the store.
const (
	ListingStatusActive  ListingStatus = "ACTIVE"
	ListingStatusRemoved ListingStatus = "REMOVED"
)

// EventType classifies a change event.
type EventType string

// Event type values.
const (
	EventTypeCreated EventType = "CREATED"
	EventTypeUpdated EventType = "UPDATED"
	EventTypeRemoved EventType = "REMOVED"
)

// EventStatus is the outbox delivery state of an event.
type EventStatus string

// Event status values persisted in the outbox.
const (
	EventStatusPending   EventStatus = "PENDING"
	EventStatusInFlight  EventStatus = "IN_FLIGHT"
	EventStatusProcessed EventStatus = "PROCESSED"
	EventStatusFailed    EventStatus = "FAILED"
)

// FieldChangeType classifies a single field-level change.
type FieldChangeType string

// Field change type values.
const (
	FieldAdded    FieldChangeType = "ADDED"
	FieldModified FieldChangeType = "MODIFIED"
	FieldRemoved  FieldChangeType = "REMOVED"
)

// SignificanceBucket buckets a change's overall significance.
type SignificanceBucket string

// Significance buckets.
const (
	SignificanceLow    SignificanceBucket = "LOW"
	SignificanceMedium SignificanceBucket = "MEDIUM"
	SignificanceHigh   SignificanceBucket = "HIGH"
)

// BreakerState is the circuit breaker state persisted with a target.
type BreakerState string

// Circuit breaker states.
const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// SubscriberType selects the delivery mechanism for a subscriber.
type SubscriberType string

// Subscriber types.
const (
	SubscriberWebhook   SubscriberType = "WEBHOOK"
	SubscriberWebSocket SubscriberType = "WEBSOCKET"
	SubscriberEmail     SubscriberType = "EMAIL"
)

// DefaultTrackedFields are monitored on every target unless overridden.
var DefaultTrackedFields = []string{"title", "price", "condition", "location"}

// ChangeRecord is one entry in a listing's bounded change history.
type ChangeRecord struct {
	At     time.Time `json:"at"`
	Type   EventType `json:"type"`
	Fields []string  `json:"fields,omitempty"`
}

// CanonicalListing is the engine's persistent view of a remote listing,
// identified by (Source, ListingID).
type CanonicalListing struct {
	ListingID     string         `json:"listing_id"`
	Source        string         `json:"source"`
	FirstSeenAt   time.Time      `json:"first_seen_at"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
	Status        ListingStatus  `json:"status"`
	Fields        map[string]any `json:"fields"`
	ImageURLs     []string       `json:"image_urls,omitempty"`
	Version       int64          `json:"version"`
	FieldHash     string         `json:"field_hash"`
	ETag          string         `json:"etag,omitempty"`
	LastModified  string         `json:"last_modified,omitempty"`
	TrackedFields []string       `json:"tracked_fields,omitempty"`
	ChangeHistory []ChangeRecord `json:"change_history,omitempty"`
	RawData       map[string]any `json:"raw_data,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// FieldChange describes one changed field inside a ChangeEvent.
type FieldChange struct {
	Field        string          `json:"field"`
	OldValue     any             `json:"oldValue"`
	NewValue     any             `json:"newValue"`
	ChangeType   FieldChangeType `json:"changeType"`
	Significance float64         `json:"significance"`
}

// ChangeEvent is a durable outbox row describing one detected change.
type ChangeEvent struct {
	EventID         string             `json:"event_id"`
	EventType       EventType          `json:"event_type"`
	ListingID       string             `json:"listing_id"`
	Source          string             `json:"source"`
	ChangedFields   []FieldChange      `json:"changed_fields,omitempty"`
	FieldHashBefore string             `json:"field_hash_before,omitempty"`
	FieldHashAfter  string             `json:"field_hash_after,omitempty"`
	DetectedAt      time.Time          `json:"detected_at"`
	Version         int64              `json:"version"`
	Confidence      float64            `json:"confidence"`
	Significance    SignificanceBucket `json:"significance"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	Status          EventStatus        `json:"status"`
	RetryCount      int                `json:"retry_count"`
	LastRetryAt     *time.Time         `json:"last_retry_at,omitempty"`
	NextAttemptAt   *time.Time         `json:"next_attempt_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// AdaptivePolicy tunes the adaptive polling interval for a target.
type AdaptivePolicy struct {
	ChangeThreshold float64       `json:"change_threshold" mapstructure:"change_threshold"`
	StabilityBonus  float64       `json:"stability_bonus" mapstructure:"stability_bonus"`
	ActivityBoost   float64       `json:"activity_boost" mapstructure:"activity_boost"`
	LearningWindow  time.Duration `json:"learning_window" mapstructure:"learning_window"`
}

// RateLimitPolicy caps outbound requests per target domain.
type RateLimitPolicy struct {
	PerMinute int `json:"per_minute" mapstructure:"per_minute"`
	PerHour   int `json:"per_hour" mapstructure:"per_hour"`
	Burst     int `json:"burst" mapstructure:"burst"`
}

// TargetChange is one entry in a target's bounded change-rate history.
type TargetChange struct {
	At      time.Time `json:"at"`
	Changes int       `json:"changes"`
}

// PollingTarget is a URL whose listing surface is observed on a schedule.
// Runtime fields are persisted so scheduling state survives restarts.
type PollingTarget struct {
	ID            string          `json:"id"`
	URL           string          `json:"url"`
	Domain        string          `json:"domain"`
	BaseInterval  time.Duration   `json:"base_interval"`
	MinInterval   time.Duration   `json:"min_interval"`
	MaxInterval   time.Duration   `json:"max_interval"`
	Adaptive      AdaptivePolicy  `json:"adaptive"`
	RateLimit     RateLimitPolicy `json:"rate_limit"`
	TrackedFields []string        `json:"tracked_fields,omitempty"`
	GracePeriod   time.Duration   `json:"grace_period"`
	Enabled       bool            `json:"enabled"`

	LastPolledAt        time.Time      `json:"last_polled_at,omitzero"`
	LastSuccessAt       time.Time      `json:"last_success_at,omitzero"`
	NextPollAt          time.Time      `json:"next_poll_at,omitzero"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	BreakerState        BreakerState   `json:"circuit_breaker_state"`
	BreakerOpenedAt     time.Time      `json:"breaker_opened_at,omitzero"`
	BreakerProbes       int            `json:"breaker_probes"`
	CurrentChangeRate   float64        `json:"current_change_rate"`
	ChangeHistory       []TargetChange `json:"change_history,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// State returns the breaker state, treating the zero value as CLOSED.
func (t PollingTarget) State() BreakerState {
	if t.BreakerState == "" {
		return BreakerClosed
	}
	return t.BreakerState
}

// EffectiveTrackedFields returns the target's tracked fields or the defaults.
func (t PollingTarget) EffectiveTrackedFields() []string {
	if len(t.TrackedFields) > 0 {
		return t.TrackedFields
	}
	return DefaultTrackedFields
}

// Validate enforces the interval and policy invariants on a target.
func (t PollingTarget) Validate() error {
	if t.ID == "" {
		return &ConfigError{Reason: "target id is required"}
	}
	u, err := url.Parse(t.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Reason: "target url must be absolute"}
	}
	if t.MinInterval <= 0 || t.BaseInterval < t.MinInterval || t.MaxInterval < t.BaseInterval {
		return &ConfigError{Reason: "intervals must satisfy 0 < min <= base <= max"}
	}
	if b := t.Adaptive.StabilityBonus; b != 0 && (b <= 0 || b > 1) {
		return &ConfigError{Reason: "adaptive.stability_bonus must be in (0,1]"}
	}
	if t.Adaptive.ActivityBoost != 0 && t.Adaptive.ActivityBoost < 1 {
		return &ConfigError{Reason: "adaptive.activity_boost must be >= 1"}
	}
	if t.RateLimit.PerMinute < 0 || t.RateLimit.PerHour < 0 || t.RateLimit.Burst < 0 {
		return &ConfigError{Reason: "rate limit counts must be >= 0"}
	}
	return nil
}

// DomainOf extracts the hostname used for per-domain rate accounting.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// RawListing is one listing as returned by a Fetcher, with the tracked
// fields typed and everything else kept opaque in Raw.
type RawListing struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Price     *float64       `json:"price,omitempty"`
	Condition string         `json:"condition,omitempty"`
	Location  string         `json:"location,omitempty"`
	URL       string         `json:"url,omitempty"`
	ImageURLs []string       `json:"image_urls,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// TrackedValues projects the raw listing onto the given tracked fields.
// Every tracked field is present in the result; missing values are nil so
// the field hash covers the same key set for every listing of a target.
func (l RawListing) TrackedValues(fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case "title":
			out[f] = nilIfEmpty(l.Title)
		case "price":
			if l.Price != nil {
				out[f] = *l.Price
			} else {
				out[f] = nil
			}
		case "condition":
			out[f] = nilIfEmpty(l.Condition)
		case "location":
			out[f] = nilIfEmpty(l.Location)
		default:
			if v, ok := l.Raw[f]; ok {
				out[f] = v
			} else {
				out[f] = nil
			}
		}
	}
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FetchResult is the snapshot returned by a Fetcher for one target.
type FetchResult struct {
	Listings      []RawListing `json:"listings"`
	TotalListings int          `json:"total_listings"`
	PagesScraped  int          `json:"pages_scraped"`
	Full          bool         `json:"full"`
	ScrapedAt     time.Time    `json:"scraped_at"`
	Source        string       `json:"source"`
	ETag          string       `json:"etag,omitempty"`
	LastModified  string       `json:"last_modified,omitempty"`
}

// IDSet returns the set of listing IDs in the result, for the first-page
// fast path comparison.
func (r FetchResult) IDSet() map[string]struct{} {
	ids := make(map[string]struct{}, len(r.Listings))
	for _, l := range r.Listings {
		ids[l.ID] = struct{}{}
	}
	return ids
}

// Subscriber receives change events from the dispatcher.
type Subscriber struct {
	ID         string         `json:"id"`
	Type       SubscriberType `json:"type"`
	Endpoint   string         `json:"endpoint"`
	Secret     string         `json:"secret,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
	Enabled    bool           `json:"enabled"`
}

// Validate checks a subscriber at registration time.
func (s Subscriber) Validate() error {
	if s.ID == "" {
		return &ConfigError{Reason: "subscriber id is required"}
	}
	switch s.Type {
	case SubscriberWebhook:
		u, err := url.Parse(s.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigError{Reason: "webhook endpoint must be an absolute url"}
		}
	case SubscriberWebSocket:
		// Delivery is via the in-process hub; no endpoint required.
	case SubscriberEmail:
		if s.Endpoint == "" {
			return &ConfigError{Reason: "email endpoint is required"}
		}
	default:
		return &ConfigError{Reason: "unknown subscriber type"}
	}
	return nil
}
