// Package diff computes change events between a scraped snapshot and the
// stored canonical listings of a source.
package diff

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/hash/fieldhash"
	"github.com/listingwatch/listingwatch/internal/monitor"
)

// Config tunes the engine.
type Config struct {
	// MinSignificance is the emission floor for UPDATED events.
	MinSignificance float64
	// IgnoreFields holds regexp patterns for field names excluded from
	// comparison.
	IgnoreFields []string
	// HistoryLimit caps per-listing change history length.
	HistoryLimit int
}

// Engine is a deterministic diff over (snapshot, canonical set).
type Engine struct {
	cfg    Config
	ignore []*regexp.Regexp
	clock  monitor.Clock
	idGen  monitor.IDGenerator
	logger *zap.Logger
}

// Result carries the emitted event drafts and the updated canonical set.
// Updates includes sighting-only refreshes (lastSeenAt bumps) that carry
// no event and no version change.
type Result struct {
	Events  []monitor.ChangeEvent
	Updates []monitor.CanonicalListing
}

// New constructs an Engine, compiling the ignore patterns.
func New(cfg Config, clock monitor.Clock, idGen monitor.IDGenerator, logger *zap.Logger) (*Engine, error) {
	if cfg.MinSignificance == 0 {
		cfg.MinSignificance = 0.1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	ignore := make([]*regexp.Regexp, 0, len(cfg.IgnoreFields))
	for _, pattern := range cfg.IgnoreFields {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", pattern, err)
		}
		ignore = append(ignore, re)
	}
	return &Engine{
		cfg:    cfg,
		ignore: ignore,
		clock:  clock,
		idGen:  idGen,
		logger: logger,
	}, nil
}

// Diff compares the snapshot against the canonical set for the target's
// source and returns events plus canonical mutations. Removals are
// confirmed only when the snapshot covered the full surface and the grace
// period has elapsed since the listing was last seen.
func (e *Engine) Diff(
	target monitor.PollingTarget,
	snapshot monitor.FetchResult,
	canonical []monitor.CanonicalListing,
) (Result, error) {
	now := e.clock.Now()
	tracked := target.EffectiveTrackedFields()

	scraped := make(map[string]monitor.RawListing, len(snapshot.Listings))
	for _, l := range snapshot.Listings {
		scraped[l.ID] = l
	}
	current := make(map[string]monitor.CanonicalListing, len(canonical))
	for _, c := range canonical {
		current[c.ListingID] = c
	}

	var result Result

	for _, raw := range snapshot.Listings {
		prior, seen := current[raw.ID]
		switch {
		case !seen:
			listing, event, err := e.create(target, raw, tracked, now)
			if err != nil {
				return Result{}, err
			}
			result.Updates = append(result.Updates, listing)
			result.Events = append(result.Events, event)
		case prior.Status == monitor.ListingStatusRemoved:
			// Relisting: the same ID came back after a confirmed removal.
			listing, event, err := e.revive(target, prior, raw, tracked, now)
			if err != nil {
				return Result{}, err
			}
			result.Updates = append(result.Updates, listing)
			result.Events = append(result.Events, event)
		default:
			listing, event, emitted, err := e.update(target, prior, raw, tracked, now)
			if err != nil {
				return Result{}, err
			}
			result.Updates = append(result.Updates, listing)
			if emitted {
				result.Events = append(result.Events, event)
			}
		}
	}

	for _, prior := range canonical {
		if _, present := scraped[prior.ListingID]; present {
			continue
		}
		if prior.Status == monitor.ListingStatusRemoved {
			continue
		}
		if !snapshot.Full {
			continue
		}
		if now.Sub(prior.LastSeenAt) < target.GracePeriod {
			continue
		}
		listing, event, err := e.remove(target, prior, now)
		if err != nil {
			return Result{}, err
		}
		result.Updates = append(result.Updates, listing)
		result.Events = append(result.Events, event)
	}

	// HTTP validators observed at scrape time ride along on every touched
	// listing, so conditional fetches can resume across restarts.
	if snapshot.ETag != "" || snapshot.LastModified != "" {
		for i := range result.Updates {
			result.Updates[i].ETag = snapshot.ETag
			result.Updates[i].LastModified = snapshot.LastModified
		}
	}

	return result, nil
}

func (e *Engine) create(
	target monitor.PollingTarget,
	raw monitor.RawListing,
	tracked []string,
	now time.Time,
) (monitor.CanonicalListing, monitor.ChangeEvent, error) {
	fields := raw.TrackedValues(tracked)
	hash, err := fieldhash.Compute(fields)
	if err != nil {
		return monitor.CanonicalListing{}, monitor.ChangeEvent{}, err
	}
	listing := monitor.CanonicalListing{
		ListingID:     raw.ID,
		Source:        target.URL,
		FirstSeenAt:   now,
		LastSeenAt:    now,
		Status:        monitor.ListingStatusActive,
		Fields:        fields,
		ImageURLs:     raw.ImageURLs,
		Version:       1,
		FieldHash:     hash,
		TrackedFields: tracked,
		RawData:       raw.Raw,
		UpdatedAt:     now,
	}
	listing.ChangeHistory = e.appendHistory(nil, monitor.ChangeRecord{At: now, Type: monitor.EventTypeCreated})

	event, err := e.newEvent(target, listing, monitor.EventTypeCreated, now)
	if err != nil {
		return monitor.CanonicalListing{}, monitor.ChangeEvent{}, err
	}
	event.FieldHashAfter = hash
	event.Significance = monitor.SignificanceHigh
	event.Confidence = 1
	return listing, event, nil
}

func (e *Engine) revive(
	target monitor.PollingTarget,
	prior monitor.CanonicalListing,
	raw monitor.RawListing,
	tracked []string,
	now time.Time,
) (monitor.CanonicalListing, monitor.ChangeEvent, error) {
	fields := raw.TrackedValues(tracked)
	hash, err := fieldhash.Compute(fields)
	if err != nil {
		return monitor.CanonicalListing{}, monitor.ChangeEvent{}, err
	}
	listing := prior
	listing.Status = monitor.ListingStatusActive
	listing.LastSeenAt = now
	listing.Fields = fields
	listing.ImageURLs = raw.ImageURLs
	listing.RawData = raw.Raw
	listing.Version = prior.Version + 1
	listing.FieldHash = hash
	listing.UpdatedAt = now
	listing.ChangeHistory = e.appendHistory(prior.ChangeHistory, monitor.ChangeRecord{At: now, Type: monitor.EventTypeCreated})

	event, err := e.newEvent(target, listing, monitor.EventTypeCreated, now)
	if err != nil {
		return monitor.CanonicalListing{}, monitor.ChangeEvent{}, err
	}
	// Subscribers can tell a comeback from a brand-new listing.
	event.Metadata["relisted"] = true
	event.FieldHashBefore = prior.FieldHash
	event.FieldHashAfter = hash
	event.Significance = monitor.SignificanceHigh
	event.Confidence = 1
	return listing, event, nil
}

func (e *Engine) update(
	target monitor.PollingTarget,
	prior monitor.CanonicalListing,
	raw monitor.RawListing,
	tracked []string,
	now time.Time,
) (monitor.CanonicalListing, monitor.ChangeEvent, bool, error) {
	newFields := raw.TrackedValues(tracked)

	var changes []monitor.FieldChange
	ordered := slices.Clone(tracked)
	slices.Sort(ordered)
	for _, field := range ordered {
		if e.ignored(field) {
			continue
		}
		oldValue := prior.Fields[field]
		newValue := newFields[field]
		if equalValues(oldValue, newValue) {
			continue
		}
		changeType := monitor.FieldModified
		switch {
		case oldValue == nil:
			changeType = monitor.FieldAdded
		case newValue == nil:
			changeType = monitor.FieldRemoved
		}
		changes = append(changes, monitor.FieldChange{
			Field:        field,
			OldValue:     oldValue,
			NewValue:     newValue,
			ChangeType:   changeType,
			Significance: fieldSignificance(field, oldValue, newValue),
		})
	}

	listing := prior
	listing.LastSeenAt = now
	listing.UpdatedAt = now
	listing.ImageURLs = raw.ImageURLs
	listing.RawData = raw.Raw

	if len(changes) == 0 {
		// Sighting only: keep fields and hash untouched so repeated
		// identical polls never churn state.
		return listing, monitor.ChangeEvent{}, false, nil
	}

	newHash, err := fieldhash.Compute(newFields)
	if err != nil {
		return monitor.CanonicalListing{}, monitor.ChangeEvent{}, false, err
	}

	maxSig, sumSig := 0.0, 0.0
	fieldNames := make([]string, 0, len(changes))
	for _, c := range changes {
		maxSig = math.Max(maxSig, c.Significance)
		sumSig += c.Significance
		fieldNames = append(fieldNames, c.Field)
	}

	if maxSig < e.cfg.MinSignificance {
		// Below the emission floor the canonical record still absorbs the
		// drift, without a version bump or an event.
		listing.Fields = newFields
		listing.FieldHash = newHash
		e.logger.Debug("change below significance floor",
			zap.String("target_id", target.ID),
			zap.String("listing_id", prior.ListingID),
			zap.Float64("max_significance", maxSig),
		)
		return listing, monitor.ChangeEvent{}, false, nil
	}

	listing.Fields = newFields
	listing.FieldHash = newHash
	listing.Version = prior.Version + 1
	listing.ChangeHistory = e.appendHistory(prior.ChangeHistory, monitor.ChangeRecord{
		At:     now,
		Type:   monitor.EventTypeUpdated,
		Fields: fieldNames,
	})

	event, err := e.newEvent(target, listing, monitor.EventTypeUpdated, now)
	if err != nil {
		return monitor.CanonicalListing{}, monitor.ChangeEvent{}, false, err
	}
	event.ChangedFields = changes
	event.FieldHashBefore = prior.FieldHash
	event.FieldHashAfter = newHash
	event.Significance = bucket(maxSig)
	event.Confidence = math.Min(sumSig/float64(len(changes))*2, 1)
	return listing, event, true, nil
}

func (e *Engine) remove(
	target monitor.PollingTarget,
	prior monitor.CanonicalListing,
	now time.Time,
) (monitor.CanonicalListing, monitor.ChangeEvent, error) {
	listing := prior
	listing.Status = monitor.ListingStatusRemoved
	listing.LastSeenAt = now
	listing.UpdatedAt = now
	listing.Version = prior.Version + 1
	listing.ChangeHistory = e.appendHistory(prior.ChangeHistory, monitor.ChangeRecord{At: now, Type: monitor.EventTypeRemoved})

	event, err := e.newEvent(target, listing, monitor.EventTypeRemoved, now)
	if err != nil {
		return monitor.CanonicalListing{}, monitor.ChangeEvent{}, err
	}
	event.FieldHashBefore = prior.FieldHash
	event.FieldHashAfter = prior.FieldHash
	event.Significance = monitor.SignificanceHigh
	event.Confidence = 1
	return listing, event, nil
}

func (e *Engine) newEvent(
	target monitor.PollingTarget,
	listing monitor.CanonicalListing,
	eventType monitor.EventType,
	now time.Time,
) (monitor.ChangeEvent, error) {
	id, err := e.idGen.NewID()
	if err != nil {
		return monitor.ChangeEvent{}, fmt.Errorf("event id: %w", err)
	}
	return monitor.ChangeEvent{
		EventID:    id,
		EventType:  eventType,
		ListingID:  listing.ListingID,
		Source:     target.URL,
		DetectedAt: now,
		Version:    listing.Version,
		Metadata:   map[string]any{"target_id": target.ID},
		Status:     monitor.EventStatusPending,
		CreatedAt:  now,
	}, nil
}

func (e *Engine) ignored(field string) bool {
	for _, re := range e.ignore {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

func (e *Engine) appendHistory(history []monitor.ChangeRecord, record monitor.ChangeRecord) []monitor.ChangeRecord {
	history = append(slices.Clone(history), record)
	if overflow := len(history) - e.cfg.HistoryLimit; overflow > 0 {
		history = history[overflow:]
	}
	return history
}

// fieldSignificance scores one changed field in [0,1] per the field rules:
// relative delta for numeric prices, token dissimilarity for titles, fixed
// weights otherwise.
func fieldSignificance(field string, oldValue, newValue any) float64 {
	if field == "price" {
		if o, okOld := isNumber(oldValue); okOld {
			if n, okNew := isNumber(newValue); okNew {
				if o == 0 {
					return 1
				}
				return math.Min(math.Abs(n-o)/math.Abs(o), 1)
			}
		}
	}
	if field == "title" {
		if os, okOld := oldValue.(string); okOld {
			if ns, okNew := newValue.(string); okNew {
				return 1 - jaccard(os, ns)
			}
		}
	}
	switch field {
	case "condition":
		return 0.3
	case "location":
		return 0.2
	default:
		return 0.1
	}
}

func bucket(maxSig float64) monitor.SignificanceBucket {
	switch {
	case maxSig > 0.5:
		return monitor.SignificanceHigh
	case maxSig > 0.2:
		return monitor.SignificanceMedium
	default:
		return monitor.SignificanceLow
	}
}
