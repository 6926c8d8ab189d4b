package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fiatbridge/fiatbridge/internal/order"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type received struct {
	body      []byte
	signature string
	eventID   string
	eventType string
}

func newSubscriber(t *testing.T, status int) (*httptest.Server, *[]received, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			body:      body,
			signature: r.Header.Get("X-Signature"),
			eventID:   r.Header.Get("X-Event-Id"),
			eventType: r.Header.Get("X-Event-Type"),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func testOrder(id string) *order.Order {
	return &order.Order{
		ID:         id,
		UserID:     "user1",
		MerchantID: "merchant1",
		Status:     order.StatusEscrowed,
	}
}

func TestDispatcher_DeliversSignedWebhook(t *testing.T) {
	srv, got, mu := newSubscriber(t, http.StatusOK)

	store := NewMemorySubscriptionStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_1", URL: srv.URL, Secret: "super-secret-signing-key", Active: true,
	})

	d := NewDispatcher(store, testLogger())
	d.NotifyStatusChange(context.Background(), testOrder("ord_1"), order.StatusEscrowPending, map[string]string{"txHash": "0xlock"})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(*got))
	}
	r := (*got)[0]
	if !VerifySignature("super-secret-signing-key", r.body, r.signature) {
		t.Error("signature does not verify against the body")
	}
	if r.eventType != "order.status_changed" {
		t.Errorf("unexpected event type %q", r.eventType)
	}

	var e Event
	if err := json.Unmarshal(r.body, &e); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if e.OrderID != "ord_1" || e.NewStatus != order.StatusEscrowed || e.PreviousStatus != order.StatusEscrowPending {
		t.Errorf("unexpected event payload: %+v", e)
	}
	if e.ID == "" || e.ID != r.eventID {
		t.Errorf("event id mismatch: body %q header %q", e.ID, r.eventID)
	}
}

func TestDispatcher_FiltersByStatus(t *testing.T) {
	srv, got, mu := newSubscriber(t, http.StatusOK)

	store := NewMemorySubscriptionStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_1", URL: srv.URL, Secret: "super-secret-signing-key",
		Statuses: []string{"completed"}, Active: true,
	})

	d := NewDispatcher(store, testLogger())
	d.NotifyStatusChange(context.Background(), testOrder("ord_1"), order.StatusEscrowPending, nil)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("expected no delivery for unsubscribed status, got %d", len(*got))
	}
}

func TestDispatcher_SkipsInactiveSubscriptions(t *testing.T) {
	srv, got, mu := newSubscriber(t, http.StatusOK)

	store := NewMemorySubscriptionStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_1", URL: srv.URL, Secret: "super-secret-signing-key", Active: false,
	})

	d := NewDispatcher(store, testLogger())
	d.NotifyStatusChange(context.Background(), testOrder("ord_1"), order.StatusEscrowPending, nil)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("expected no delivery to inactive subscription, got %d", len(*got))
	}
}

func TestDispatcher_NoRetryOnSubscriberRejection(t *testing.T) {
	srv, got, mu := newSubscriber(t, http.StatusBadRequest)

	store := NewMemorySubscriptionStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_1", URL: srv.URL, Secret: "super-secret-signing-key", Active: true,
	})

	d := NewDispatcher(store, testLogger())
	d.NotifyStatusChange(context.Background(), testOrder("ord_1"), order.StatusEscrowPending, nil)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", len(*got))
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign("key", body)
	if !VerifySignature("key", body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("other", body, sig) {
		t.Error("wrong key accepted")
	}
	if VerifySignature("key", []byte("tampered"), sig) {
		t.Error("tampered body accepted")
	}
	if VerifySignature("key", body, "not-hex") {
		t.Error("malformed signature accepted")
	}
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []*Event
}

func (c *captureBroadcaster) BroadcastOrderEvent(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestDispatcher_BroadcastsToHub(t *testing.T) {
	store := NewMemorySubscriptionStore()
	b := &captureBroadcaster{}
	d := NewDispatcher(store, testLogger()).WithBroadcaster(b)

	d.NotifyStatusChange(context.Background(), testOrder("ord_1"), order.StatusEscrowPending, nil)
	d.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(b.events))
	}
	if b.events[0].OrderID != "ord_1" {
		t.Errorf("unexpected broadcast order %q", b.events[0].OrderID)
	}
	if time.Since(b.events[0].CreatedAt) > time.Minute {
		t.Error("event timestamp not set")
	}
}

func TestDispatcher_OpensCircuitForFailingSubscriber(t *testing.T) {
	// 4xx responses are permanent failures: one attempt each, no backoff.
	srv, got, mu := newSubscriber(t, http.StatusBadRequest)

	store := NewMemorySubscriptionStore()
	store.Create(context.Background(), &Subscription{
		ID: "sub_flaky", URL: srv.URL, Secret: "super-secret-signing-key", Active: true,
	})

	d := NewDispatcher(store, testLogger())
	for i := 0; i < breakerThreshold+2; i++ {
		d.NotifyStatusChange(context.Background(), testOrder("ord_1"), order.StatusEscrowPending, nil)
		d.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != breakerThreshold {
		t.Errorf("subscriber hit %d times, want %d (circuit should suppress the rest)",
			len(*got), breakerThreshold)
	}
}
