package events

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

// Hub fans the engine's event stream out to websocket clients. It is a bus
// subscriber like any other; the gateway owns the HTTP upgrade and hands
// accepted connections to Register.
type Hub struct {
	clients     map[*websocket.Conn]bool
	mu          sync.RWMutex
	unsubscribe func()
}

// NewHub creates a hub attached to the bus
func NewHub(bus *Bus) *Hub {
	h := &Hub{clients: make(map[*websocket.Conn]bool)}
	h.unsubscribe = bus.Subscribe(h.broadcast)
	return h
}

// Register adds a connected client
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	log.Printf("[EventHub] Client registered (total: %d)", len(h.clients))
}

// Unregister removes a client
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		log.Printf("[EventHub] Client unregistered (total: %d)", len(h.clients))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast writes one event to every client; clients that fail a write
// are dropped.
func (h *Hub) broadcast(evt Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(evt); err != nil {
			log.Printf("[EventHub] Dropping client: %v", err)
			h.Unregister(conn)
			conn.Close()
		}
	}
}

// Close detaches the hub from the bus and closes every client
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
