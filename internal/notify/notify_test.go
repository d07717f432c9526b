package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func sampleEvent() monitor.ChangeEvent {
	return monitor.ChangeEvent{
		EventID:   "evt-1",
		EventType: monitor.EventTypeUpdated,
		ListingID: "a",
		Source:    "https://market.example/listings",
		ChangedFields: []monitor.FieldChange{
			{Field: "price", OldValue: 100.0, NewValue: 80.0, ChangeType: monitor.FieldModified, Significance: 0.2},
		},
		FieldHashBefore: "before",
		FieldHashAfter:  "after",
		DetectedAt:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Version:         2,
		Confidence:      0.4,
		Significance:    monitor.SignificanceLow,
	}
}

func TestPayloadIsStableAndSortedKeys(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 5, 0, 0, time.UTC)
	a, err := Payload(sampleEvent(), now)
	require.NoError(t, err)
	b, err := Payload(sampleEvent(), now)
	require.NoError(t, err)
	require.Equal(t, a, b)

	// encoding/json sorts map keys, so top-level keys appear in order.
	require.Less(t,
		strings.Index(string(a), `"changedFields"`),
		strings.Index(string(a), `"eventId"`))
	require.Less(t,
		strings.Index(string(a), `"source"`),
		strings.Index(string(a), `"timestamp"`))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(a, &decoded))
	require.Equal(t, "evt-1", decoded["eventId"])
	require.Equal(t, "2026-08-24T12:00:00Z", decoded["detectedAt"])
	require.Equal(t, "2026-08-24T12:05:00Z", decoded["timestamp"])
}

func TestSignatureSymmetry(t *testing.T) {
	t.Parallel()

	body, err := Payload(sampleEvent(), time.Now())
	require.NoError(t, err)

	header := Sign("s3cret", body)

	// A subscriber replaying HMAC over the received body gets the same hex.
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	require.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), header)
}

func TestWebhookDeliverPostsSignedBody(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotBody  []byte
		gotHdrs  http.Header
		received bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		received = true
		gotHdrs = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	clk := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	wh := NewWebhook(WebhookConfig{Secret: "s3cret"}, clk, zap.NewNop())
	sub := monitor.Subscriber{ID: "sub-1", Type: monitor.SubscriberWebhook, Endpoint: server.URL, Enabled: true}

	require.NoError(t, wh.Deliver(context.Background(), sub, sampleEvent()))

	mu.Lock()
	defer mu.Unlock()
	require.True(t, received)
	require.Equal(t, "evt-1", gotHdrs.Get("X-Event-Id"))
	require.Equal(t, "UPDATED", gotHdrs.Get("X-Event-Type"))
	require.Equal(t, Sign("s3cret", gotBody), gotHdrs.Get("X-Signature"))
}

func TestWebhookSubscriberSecretWinsOverDefault(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotBody []byte
		gotSig  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	clk := &fakeClock{now: time.Now()}
	wh := NewWebhook(WebhookConfig{Secret: "default"}, clk, zap.NewNop())
	sub := monitor.Subscriber{ID: "sub-1", Type: monitor.SubscriberWebhook, Endpoint: server.URL, Secret: "override", Enabled: true}

	require.NoError(t, wh.Deliver(context.Background(), sub, sampleEvent()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, Sign("override", gotBody), gotSig)
}

func TestWebhookNon2xxIsDeliveryError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	wh := NewWebhook(WebhookConfig{}, &fakeClock{now: time.Now()}, zap.NewNop())
	sub := monitor.Subscriber{ID: "sub-1", Type: monitor.SubscriberWebhook, Endpoint: server.URL, Enabled: true}

	err := wh.Deliver(context.Background(), sub, sampleEvent())
	var de *monitor.DeliveryError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "sub-1", de.SubscriberID)
}

func TestRegistryRoutesByType(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	called := false
	reg.Register(monitor.SubscriberWebhook, delivererFunc(func(context.Context, monitor.Subscriber, monitor.ChangeEvent) error {
		called = true
		return nil
	}))

	sub := monitor.Subscriber{ID: "sub-1", Type: monitor.SubscriberWebhook}
	require.NoError(t, reg.Deliver(context.Background(), sub, sampleEvent()))
	require.True(t, called)

	sub.Type = monitor.SubscriberEmail
	err := reg.Deliver(context.Background(), sub, sampleEvent())
	var de *monitor.DeliveryError
	require.ErrorAs(t, err, &de)
}

type delivererFunc func(context.Context, monitor.Subscriber, monitor.ChangeEvent) error

func (f delivererFunc) Deliver(ctx context.Context, s monitor.Subscriber, e monitor.ChangeEvent) error {
	return f(ctx, s, e)
}

func TestEmailDeliverBuildsMessage(t *testing.T) {
	t.Parallel()

	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  []byte
	)
	e := NewEmail(EmailConfig{Host: "smtp.example", Port: 587, From: "noreply@example"}, &fakeClock{now: time.Now()}, zap.NewNop())
	e.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotFrom = from
		gotTo = to
		gotMsg = msg
		return nil
	}

	sub := monitor.Subscriber{ID: "sub-1", Type: monitor.SubscriberEmail, Endpoint: "ops@example", Enabled: true}
	require.NoError(t, e.Deliver(context.Background(), sub, sampleEvent()))

	require.Equal(t, "smtp.example:587", gotAddr)
	require.Equal(t, "noreply@example", gotFrom)
	require.Equal(t, []string{"ops@example"}, gotTo)
	require.Contains(t, string(gotMsg), "Subject: [listingwatch] UPDATED a")
	require.Contains(t, string(gotMsg), `"eventId":"evt-1"`)
}

func TestEmailDeliverFailureWrapped(t *testing.T) {
	t.Parallel()

	e := NewEmail(EmailConfig{Host: "smtp.example", Port: 587}, &fakeClock{now: time.Now()}, zap.NewNop())
	e.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("relay down")
	}

	sub := monitor.Subscriber{ID: "sub-1", Type: monitor.SubscriberEmail, Endpoint: "ops@example"}
	err := e.Deliver(context.Background(), sub, sampleEvent())
	var de *monitor.DeliveryError
	require.ErrorAs(t, err, &de)
}
