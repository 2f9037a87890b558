package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventSessionStarted, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventSessionStarted, EventSessionSettled},
	}}

	startedEvent := &Event{Type: EventSessionStarted}
	settledEvent := &Event{Type: EventSessionSettled}
	creditedEvent := &Event{Type: EventBalanceCredited}

	if !h.shouldSend(client, startedEvent) {
		t.Error("Should receive session_started events")
	}
	if !h.shouldSend(client, settledEvent) {
		t.Error("Should receive session_settled events")
	}
	if h.shouldSend(client, creditedEvent) {
		t.Error("Should NOT receive balance_credited events")
	}
}

func TestShouldSend_SubjectFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SubjectIDs: []string{"miner-1"},
	}}

	matching := &Event{
		Type: EventSessionStarted,
		Data: map[string]interface{}{"subjectId": "miner-1", "sessionId": "ms_a"},
	}
	notMatching := &Event{
		Type: EventSessionStarted,
		Data: map[string]interface{}{"subjectId": "miner-2", "sessionId": "ms_b"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on subjectId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated subjects")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventSessionStarted}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SubjectIDs: []string{"miner-1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSessionSettled,
		Data: "string data not a map",
	}

	// Subject filter skips non-map data (can't extract the subject), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when subject filter can't extract the subject")
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

	// Broadcast an event
	h.Broadcast(&Event{Type: EventSessionStarted, Timestamp: time.Now()})
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

	h.Broadcast(&Event{
		Type:      EventSessionSettled,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"finalAmount": "0.125000"},
	})

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

	// Client only wants settlements
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventSessionSettled}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a start event (should be filtered out)
	h.Broadcast(&Event{Type: EventSessionStarted, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive session_started event")
	default:
		// Good - filtered out
	}

	// Send a settlement event (should be received)
	h.Broadcast(&Event{Type: EventSessionSettled, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive session_settled event")
	}
}

func TestMiningEmitter_Events(t *testing.T) {
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

	emitter := NewMiningEmitter(h)
	emitter.EmitSessionStarted("miner-1", "ms_a", time.Now(), "0.125")
	time.Sleep(100 * time.Millisecond)

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for emitter event")
	}
}
