// Package notify delivers change events to subscribers over webhooks,
// websockets, and email.
package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// Payload serializes an event into the outbound JSON body. Everything is
// built from maps so encoding/json emits keys in sorted order; signature
// verification replays HMAC over these exact bytes.
func Payload(ev monitor.ChangeEvent, now time.Time) ([]byte, error) {
	changed := make([]map[string]any, 0, len(ev.ChangedFields))
	for _, fc := range ev.ChangedFields {
		changed = append(changed, map[string]any{
			"field":        fc.Field,
			"oldValue":     fc.OldValue,
			"newValue":     fc.NewValue,
			"changeType":   fc.ChangeType,
			"significance": fc.Significance,
		})
	}
	body := map[string]any{
		"eventId":         ev.EventID,
		"eventType":       ev.EventType,
		"listingId":       ev.ListingID,
		"source":          ev.Source,
		"changedFields":   changed,
		"fieldHashBefore": ev.FieldHashBefore,
		"fieldHashAfter":  ev.FieldHashAfter,
		"detectedAt":      ev.DetectedAt.UTC().Format(time.RFC3339),
		"version":         ev.Version,
		"confidence":      ev.Confidence,
		"significance":    ev.Significance,
		"metadata":        ev.Metadata,
		"timestamp":       now.UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return raw, nil
}

// Sign computes the webhook signature header value for a body:
// "sha256=" + hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
