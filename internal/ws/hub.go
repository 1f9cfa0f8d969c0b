package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message pushed to clients: book snapshots, matches, market
// lifecycle updates.
type Msg struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
	Data     any    `json:"data"`
}

// Hub manages per-market WebSocket subscriptions. A connection may follow
// any number of markets at once.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]bool // marketID -> subscribers
	log   *zap.Logger
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	quit    chan struct{}
	hub     *Hub
	markets map[string]bool
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*conn]bool),
		log:   log,
	}
}

// Publish sends a message to every subscriber of a market. Slow clients are
// skipped rather than blocking the engine goroutine.
func (h *Hub) Publish(marketID, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, MarketID: marketID, Data: data})
	if err != nil {
		return
	}
	h.mu.RLock()
	room := h.rooms[marketID]
	h.mu.RUnlock()
	for c := range room {
		select {
		case c.send <- b:
		default:
		}
	}
}

// HandleWS upgrades the request and starts the read/write pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &conn{
		ws:      wsConn,
		send:    make(chan []byte, 64),
		quit:    make(chan struct{}),
		hub:     h,
		markets: make(map[string]bool),
	}
	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.dropConn(c)
		c.ws.Close()
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var sub struct {
			Action   string `json:"action"`
			MarketID string `json:"market_id"`
		}
		if err := json.Unmarshal(raw, &sub); err != nil || sub.MarketID == "" {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.MarketID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.MarketID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (h *Hub) subscribe(c *conn, marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[marketID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[marketID] = room
	}
	room[c] = true
	c.markets[marketID] = true
}

func (h *Hub) unsubscribe(c *conn, marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoom(c, marketID)
	delete(c.markets, marketID)
}

func (h *Hub) dropConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for marketID := range c.markets {
		h.leaveRoom(c, marketID)
	}
	// send stays open: a Publish that grabbed the room before the drop may
	// still deliver, and must never hit a closed channel
	close(c.quit)
}

// leaveRoom assumes h.mu is held.
func (h *Hub) leaveRoom(c *conn, marketID string) {
	if room, ok := h.rooms[marketID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, marketID)
		}
	}
}
