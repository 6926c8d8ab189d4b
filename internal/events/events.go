// Package events turns order status changes into outbound notifications:
// signed webhooks to registered subscriber endpoints and broadcasts into
// the realtime hub. Delivery is at-least-once; consumers deduplicate on
// the event ID.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/fiatbridge/fiatbridge/internal/order"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// Event is one order lifecycle change as delivered to subscribers.
type Event struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"` // order.status_changed
	OrderID        string            `json:"orderId"`
	PreviousStatus order.Status      `json:"previousStatus"`
	NewStatus      order.Status      `json:"newStatus"`
	UserID         string            `json:"userId"`
	MerchantID     string            `json:"merchantId"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"` // HMAC signing key, never serialized
	Statuses  []string  `json:"statuses,omitempty"` // empty = all statuses
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wants reports whether the subscription covers the event.
func (s *Subscription) Wants(e *Event) bool {
	if !s.Active {
		return false
	}
	if len(s.Statuses) == 0 {
		return true
	}
	for _, st := range s.Statuses {
		if st == string(e.NewStatus) {
			return true
		}
	}
	return false
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
}
