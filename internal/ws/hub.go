package ws

import (
	"sync"
)

// Hub tracks the active websocket connections of every user so that they
// can be closed together on shutdown.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*Conn]struct{}),
	}
}

// Register adds a connection for the given user.
func (h *Hub) Register(userID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*Conn]struct{})
	}
	h.conns[userID][c] = struct{}{}
}

// Unregister removes a connection for the given user.
func (h *Hub) Unregister(userID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.conns, userID)
		}
	}
}

// Count returns the number of open connections of a user.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Shutdown closes every registered connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var all []*Conn
	for _, conns := range h.conns {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}
