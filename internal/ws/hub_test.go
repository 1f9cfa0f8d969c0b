package ws

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

func newTestConn(h *Hub) *conn {
	return &conn{
		send:    make(chan []byte, 1),
		quit:    make(chan struct{}),
		hub:     h,
		markets: make(map[string]bool),
	}
}

func TestPublishDelivers(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := newTestConn(h)
	h.subscribe(c, "m1")

	h.Publish("m1", "market", map[string]string{"status": "SUSPENDED"})

	var msg Msg
	select {
	case raw := <-c.send:
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
	default:
		t.Fatal("expected a queued frame")
	}
	if msg.Type != "market" || msg.MarketID != "m1" {
		t.Fatalf("got %+v", msg)
	}
}

func TestPublishSkipsSlowClients(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := newTestConn(h)
	h.subscribe(c, "m1")
	c.send <- []byte("backlog") // queue is full now

	h.Publish("m1", "match", nil) // must not block or grow the queue

	if len(c.send) != 1 {
		t.Fatalf("slow client must be skipped, queue %d", len(c.send))
	}
}

func TestDropConnKeepsSendOpen(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := newTestConn(h)
	h.subscribe(c, "m1")
	h.subscribe(c, "m2")

	// snapshot the room the way a concurrent Publish does
	h.mu.RLock()
	room := h.rooms["m1"]
	h.mu.RUnlock()

	h.dropConn(c)

	h.mu.RLock()
	remaining := len(h.rooms)
	h.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected empty rooms after drop, got %d", remaining)
	}
	select {
	case <-c.quit:
	default:
		t.Fatal("quit must be closed after drop")
	}

	// a Publish that raced the drop still sends on an open channel
	for cc := range room {
		select {
		case cc.send <- []byte("late"):
		default:
		}
	}
}

func TestUnsubscribeLeavesOtherRooms(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := newTestConn(h)
	h.subscribe(c, "m1")
	h.subscribe(c, "m2")

	h.unsubscribe(c, "m1")

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.rooms["m1"]; ok {
		t.Fatal("m1 room should collapse")
	}
	if len(h.rooms["m2"]) != 1 {
		t.Fatal("m2 subscription must survive")
	}
	if c.markets["m1"] {
		t.Fatal("conn must forget m1")
	}
}
