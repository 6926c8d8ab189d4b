// Package extension implements deadline extension negotiation: one party
// requests more time before the payment window lapses, the counterparty
// accepts or declines. Acceptance pushes the order expiry out by a fixed
// increment; the number of extensions per order is capped.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fiatbridge/fiatbridge/internal/order"
)

var (
	ErrDeadlinePassed = errors.New("deadline already passed, extension cannot revive the order")
	ErrOwnRequest     = errors.New("requesting party cannot respond to its own extension request")
	ErrNotExtendable  = errors.New("order status does not allow extensions")
)

const (
	DefaultIncrement     = 15 * time.Minute
	DefaultMaxExtensions = 2
)

// Negotiator coordinates extension requests against the order store.
type Negotiator struct {
	orders        order.Store
	notifier      order.Notifier
	increment     time.Duration
	maxExtensions int
	logger        *slog.Logger
	now           func() time.Time
}

func NewNegotiator(orders order.Store, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		orders:        orders,
		increment:     DefaultIncrement,
		maxExtensions: DefaultMaxExtensions,
		logger:        logger,
		now:           time.Now,
	}
}

// WithIncrement overrides how much each accepted extension adds.
func (n *Negotiator) WithIncrement(d time.Duration) *Negotiator {
	if d > 0 {
		n.increment = d
	}
	return n
}

// WithMaxExtensions overrides the per-order extension cap.
func (n *Negotiator) WithMaxExtensions(max int) *Negotiator {
	if max >= 0 {
		n.maxExtensions = max
	}
	return n
}

// WithNotifier adds a status-change event sink.
func (n *Negotiator) WithNotifier(notifier order.Notifier) *Negotiator {
	n.notifier = notifier
	return n
}

// Request records an extension request by one of the order's parties.
// Rejected outright when the deadline has already lapsed: recovery for
// lapsed orders is expiry or dispute, never a retroactive extension.
func (n *Negotiator) Request(ctx context.Context, orderID, requesterID string) (*order.Order, error) {
	o, err := n.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(requesterID) {
		return nil, order.ErrUnauthorized
	}
	if o.Status.IsTerminal() || o.Status == order.StatusDisputed {
		return nil, fmt.Errorf("%w: %s", ErrNotExtendable, o.Status)
	}
	if !n.now().Before(o.ExpiresAt) {
		return nil, ErrDeadlinePassed
	}
	if o.ExtensionCount >= n.maxExtensions {
		return nil, order.ErrExtensionLimit
	}

	if err := n.orders.SetExtensionPending(ctx, orderID, requesterID); err != nil {
		return nil, err
	}
	n.logger.Info("extension requested",
		"orderId", orderID, "requestedBy", requesterID,
		"extensionCount", o.ExtensionCount, "max", n.maxExtensions)
	return n.orders.Get(ctx, orderID)
}

// Respond resolves a pending extension request. Only the counterparty of
// the requester may respond. Accepting extends the expiry by the
// configured increment; declining simply clears the request.
func (n *Negotiator) Respond(ctx context.Context, orderID, responderID string, accept bool) (*order.Order, error) {
	o, err := n.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(responderID) {
		return nil, order.ErrUnauthorized
	}
	if o.ExtensionRequestedBy == "" {
		return nil, order.ErrNoExtensionPending
	}
	if o.ExtensionRequestedBy == responderID {
		return nil, ErrOwnRequest
	}

	if !accept {
		if err := n.orders.ClearExtensionPending(ctx, orderID); err != nil {
			return nil, err
		}
		n.logger.Info("extension declined", "orderId", orderID, "declinedBy", responderID)
		return n.orders.Get(ctx, orderID)
	}

	if !n.now().Before(o.ExpiresAt) {
		// The window lapsed while the request sat unanswered
		if cerr := n.orders.ClearExtensionPending(ctx, orderID); cerr != nil {
			n.logger.Warn("failed to clear lapsed extension request", "orderId", orderID, "error", cerr)
		}
		return nil, ErrDeadlinePassed
	}

	updated, err := n.orders.ApplyExtension(ctx, orderID, o.ExpiresAt.Add(n.increment))
	if err != nil {
		return nil, err
	}
	n.logger.Info("extension granted",
		"orderId", orderID, "newExpiry", updated.ExpiresAt,
		"extensionCount", updated.ExtensionCount)
	if n.notifier != nil {
		n.notifier.NotifyStatusChange(ctx, updated, updated.Status, map[string]string{
			"event":     "extension_granted",
			"newExpiry": updated.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return updated, nil
}
