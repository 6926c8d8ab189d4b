package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/fiatbridge/fiatbridge/internal/events"
	"github.com/fiatbridge/fiatbridge/internal/order"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func orderEvent(orderID string, status order.Status) *events.Event {
	return &events.Event{
		ID:         "evt_test",
		Type:       "order.status_changed",
		OrderID:    orderID,
		NewStatus:  status,
		UserID:     "user1",
		MerchantID: "merchant1",
		CreatedAt:  time.Now().UTC(),
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, orderEvent("ord_1", order.StatusEscrowed)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_StatusFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Statuses: []string{"completed", "cancelled"},
	}}

	if !h.shouldSend(client, orderEvent("ord_1", order.StatusCompleted)) {
		t.Error("Should receive completed events")
	}
	if !h.shouldSend(client, orderEvent("ord_1", order.StatusCancelled)) {
		t.Error("Should receive cancelled events")
	}
	if h.shouldSend(client, orderEvent("ord_1", order.StatusEscrowed)) {
		t.Error("Should NOT receive escrowed events")
	}
}

func TestShouldSend_OrderFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		OrderIDs: []string{"ord_watched"},
	}}

	if !h.shouldSend(client, orderEvent("ord_watched", order.StatusEscrowed)) {
		t.Error("Should match the watched order")
	}
	if h.shouldSend(client, orderEvent("ord_other", order.StatusEscrowed)) {
		t.Error("Should NOT match unrelated orders")
	}
}

func TestShouldSend_ParticipantFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ParticipantIDs: []string{"merchant1"},
	}}

	if !h.shouldSend(client, orderEvent("ord_1", order.StatusEscrowed)) {
		t.Error("Should match on merchant id")
	}

	e := orderEvent("ord_2", order.StatusEscrowed)
	e.UserID = "someone"
	e.MerchantID = "someone-else"
	if h.shouldSend(client, e) {
		t.Error("Should NOT match unrelated participants")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Statuses: []string{"completed"},
		OrderIDs: []string{"ord_1"},
	}}

	if !h.shouldSend(client, orderEvent("ord_1", order.StatusCompleted)) {
		t.Error("Should match when both filters match")
	}
	if h.shouldSend(client, orderEvent("ord_1", order.StatusEscrowed)) {
		t.Error("Should NOT match wrong status even for watched order")
	}
	if h.shouldSend(client, orderEvent("ord_2", order.StatusCompleted)) {
		t.Error("Should NOT match the wrong order even with the right status")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, orderEvent("ord_1", order.StatusEscrowed)) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.BroadcastOrderEvent(orderEvent("ord_1", order.StatusEscrowed))
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastOrderEvent(orderEvent("ord_1", order.StatusCompleted))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants terminal states
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Statuses: []string{"completed"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an escrowed event (should be filtered out)
	h.BroadcastOrderEvent(orderEvent("ord_1", order.StatusEscrowed))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrowed event")
	default:
		// Good - filtered out
	}

	// Send a completed event (should be received)
	h.BroadcastOrderEvent(orderEvent("ord_1", order.StatusCompleted))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive completed event")
	}
}
