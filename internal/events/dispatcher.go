package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fiatbridge/fiatbridge/internal/circuitbreaker"
	"github.com/fiatbridge/fiatbridge/internal/idgen"
	"github.com/fiatbridge/fiatbridge/internal/metrics"
	"github.com/fiatbridge/fiatbridge/internal/order"
	"github.com/fiatbridge/fiatbridge/internal/retry"
)

const (
	signatureHeader = "X-Signature"
	eventIDHeader   = "X-Event-Id"
	eventTypeHeader = "X-Event-Type"

	deliveryTimeout  = 10 * time.Second
	deliveryAttempts = 3
	deliveryBackoff  = 2 * time.Second

	// A subscriber that fails this many deliveries in a row gets its
	// circuit opened; deliveries resume after one succeeds in half-open.
	breakerThreshold = 3
	breakerOpenFor   = 2 * time.Minute
)

// Broadcaster receives events for realtime fan-out. Satisfied by the
// websocket hub.
type Broadcaster interface {
	BroadcastOrderEvent(e *Event)
}

// Dispatcher implements order.Notifier: it records the transition as an
// event, pushes it to the realtime hub, and delivers signed webhooks to
// matching subscriptions in the background.
type Dispatcher struct {
	subs        SubscriptionStore
	broadcaster Broadcaster
	client      *http.Client
	breaker     *circuitbreaker.Breaker // keyed by subscription ID
	logger      *slog.Logger
	wg          sync.WaitGroup
}

func NewDispatcher(subs SubscriptionStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:    subs,
		client:  &http.Client{Timeout: deliveryTimeout},
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenFor),
		logger:  logger,
	}
}

// WithBroadcaster adds a realtime fan-out target.
func (d *Dispatcher) WithBroadcaster(b Broadcaster) *Dispatcher {
	d.broadcaster = b
	return d
}

// NotifyStatusChange builds the event and dispatches it. Webhook
// delivery runs detached from the request context; a slow subscriber
// must never hold up settlement.
func (d *Dispatcher) NotifyStatusChange(ctx context.Context, o *order.Order, previous order.Status, metadata map[string]string) {
	e := &Event{
		ID:             idgen.WithPrefix("evt_"),
		Type:           "order.status_changed",
		OrderID:        o.ID,
		PreviousStatus: previous,
		NewStatus:      o.Status,
		UserID:         o.UserID,
		MerchantID:     o.MerchantID,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}

	if d.broadcaster != nil {
		d.broadcaster.BroadcastOrderEvent(e)
	}

	subs, err := d.subs.List(ctx)
	if err != nil {
		d.logger.Warn("failed to list webhook subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Wants(e) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(e, sub)
		}(sub)
	}
}

// Wait blocks until in-flight deliveries finish. Shutdown hook.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(e *Event, sub *Subscription) {
	if !d.breaker.Allow(sub.ID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("suppressed").Inc()
		d.logger.Debug("webhook delivery suppressed, circuit open",
			"eventId", e.ID, "subscriptionId", sub.ID)
		return
	}

	body, err := json.Marshal(e)
	if err != nil {
		d.logger.Error("failed to marshal event", "eventId", e.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err = retry.Do(ctx, deliveryAttempts, deliveryBackoff, func() error {
		return d.post(ctx, sub, e, body)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"eventId", e.ID, "subscriptionId", sub.ID, "url", sub.URL, "error", err)
		return
	}
	d.breaker.RecordSuccess(sub.ID)
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, e *Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventIDHeader, e.ID)
	req.Header.Set(eventTypeHeader, e.Type)
	req.Header.Set(signatureHeader, Sign(sub.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The subscriber rejected the payload; retrying won't help
		return retry.Permanent(fmt.Errorf("subscriber returned %d", resp.StatusCode))
	}
	return fmt.Errorf("subscriber returned %d", resp.StatusCode)
}

// Sign computes the hex HMAC-SHA256 signature carried in X-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the raw body.
// Exported for subscriber-side use and tests.
func VerifySignature(secret string, body []byte, signatureHex string) bool {
	expected, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
