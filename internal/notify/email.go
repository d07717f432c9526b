package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// EmailConfig controls the SMTP relay used for EMAIL subscribers.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sendFunc matches smtp.SendMail, swappable in tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers events as plain-text mail through an SMTP relay. The
// subscriber's endpoint is the recipient address.
type Email struct {
	cfg    EmailConfig
	clock  monitor.Clock
	logger *zap.Logger
	send   sendFunc
}

// NewEmail constructs an email deliverer.
func NewEmail(cfg EmailConfig, clock monitor.Clock, logger *zap.Logger) *Email {
	return &Email{cfg: cfg, clock: clock, logger: logger, send: smtp.SendMail}
}

// Deliver sends a summary of the event to the subscriber's address.
func (e *Email) Deliver(_ context.Context, sub monitor.Subscriber, ev monitor.ChangeEvent) error {
	if e.cfg.Host == "" {
		return &monitor.DeliveryError{SubscriberID: sub.ID, Err: fmt.Errorf("smtp relay not configured")}
	}
	body, err := Payload(ev, e.clock.Now())
	if err != nil {
		return &monitor.DeliveryError{SubscriberID: sub.ID, Err: err}
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", sub.Endpoint)
	fmt.Fprintf(&msg, "Subject: [listingwatch] %s %s\r\n", ev.EventType, ev.ListingID)
	msg.WriteString("Content-Type: application/json\r\n\r\n")
	msg.Write(body)

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	if err := e.send(addr, auth, e.cfg.From, []string{sub.Endpoint}, []byte(msg.String())); err != nil {
		return &monitor.DeliveryError{SubscriberID: sub.ID, Err: err}
	}
	e.logger.Debug("email delivered",
		zap.String("subscriber_id", sub.ID),
		zap.String("event_id", ev.EventID),
	)
	return nil
}
