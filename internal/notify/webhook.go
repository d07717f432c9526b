package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// WebhookConfig controls outbound webhook delivery.
type WebhookConfig struct {
	// Secret signs the body when the subscriber carries no secret of its own.
	Secret string
	// Timeout bounds a single delivery when the subscriber sets none.
	Timeout time.Duration
	// EndpointRPS / EndpointBurst throttle deliveries per endpoint URL.
	EndpointRPS   float64
	EndpointBurst int
}

// Webhook delivers events by HTTP POST with a signed canonical JSON body.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	clock  monitor.Clock
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewWebhook constructs a webhook deliverer.
func NewWebhook(cfg WebhookConfig, clock monitor.Clock, logger *zap.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointRPS <= 0 {
		cfg.EndpointRPS = 10
	}
	if cfg.EndpointBurst <= 0 {
		cfg.EndpointBurst = 5
	}
	return &Webhook{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		clock:    clock,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (w *Webhook) limiter(endpoint string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Limit(w.cfg.EndpointRPS), w.cfg.EndpointBurst)
		w.limiters[endpoint] = l
	}
	return l
}

// Deliver posts the event to the subscriber's endpoint. Success is any 2xx
// status within the timeout.
func (w *Webhook) Deliver(ctx context.Context, sub monitor.Subscriber, ev monitor.ChangeEvent) error {
	body, err := Payload(ev, w.clock.Now())
	if err != nil {
		return &monitor.DeliveryError{SubscriberID: sub.ID, Err: err}
	}

	if err := w.limiter(sub.Endpoint).Wait(ctx); err != nil {
		return &monitor.DeliveryError{SubscriberID: sub.ID, Err: err}
	}

	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = w.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &monitor.DeliveryError{SubscriberID: sub.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", ev.EventID)
	req.Header.Set("X-Event-Type", string(ev.EventType))
	secret := sub.Secret
	if secret == "" {
		secret = w.cfg.Secret
	}
	if secret != "" {
		req.Header.Set("X-Signature", Sign(secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &monitor.DeliveryError{SubscriberID: sub.ID, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &monitor.DeliveryError{
			SubscriberID: sub.ID,
			Err:          fmt.Errorf("endpoint returned status %d", resp.StatusCode),
		}
	}
	w.logger.Debug("webhook delivered",
		zap.String("subscriber_id", sub.ID),
		zap.String("event_id", ev.EventID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}
