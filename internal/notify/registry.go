package notify

import (
	"context"
	"fmt"

	"github.com/listingwatch/listingwatch/internal/monitor"
)

// Deliverer sends one event to one subscriber.
type Deliverer interface {
	Deliver(ctx context.Context, sub monitor.Subscriber, ev monitor.ChangeEvent) error
}

// Registry routes deliveries by subscriber type.
type Registry struct {
	deliverers map[monitor.SubscriberType]Deliverer
}

// NewRegistry constructs a Registry.
func NewRegistry() *Registry {
	return &Registry{deliverers: make(map[monitor.SubscriberType]Deliverer)}
}

// Register binds a deliverer to a subscriber type.
func (r *Registry) Register(t monitor.SubscriberType, d Deliverer) {
	r.deliverers[t] = d
}

// Deliver routes the event to the deliverer for the subscriber's type.
func (r *Registry) Deliver(ctx context.Context, sub monitor.Subscriber, ev monitor.ChangeEvent) error {
	d, ok := r.deliverers[sub.Type]
	if !ok {
		return &monitor.DeliveryError{
			SubscriberID: sub.ID,
			Err:          fmt.Errorf("no deliverer for subscriber type %q", sub.Type),
		}
	}
	return d.Deliver(ctx, sub, ev)
}
