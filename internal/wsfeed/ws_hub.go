// Package wsfeed streams live session status over WebSocket, layered
// on top of (not replacing) the Control API's polling status() call:
// a single broadcaster goroutine, register/unregister channels, a
// connection cap, and a write-deadline-guarded broadcast loop.
package wsfeed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 200

// StatusSnapshot is what status(session_id) returns, reused here as
// the value pushed to subscribed dashboards.
type StatusSnapshot struct {
	SessionID string         `json:"session_id"`
	Status    string         `json:"status"`
	Counters  map[string]any `json:"counters"`
	InFlight  int            `json:"in_flight"`
	Domains   map[string]any `json:"domain_summary"`
}

// StatusProvider resolves the current snapshot for a session; the
// composition root supplies one backed by the Session Controller and
// Repository.
type StatusProvider func(ctx context.Context, sessionID string) (StatusSnapshot, error)

type registration struct {
	conn      *websocket.Conn
	sessionID string
}

// Hub manages WebSocket connections and periodically broadcasts each
// subscribed session's status snapshot.
type Hub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	status StatusProvider
	period time.Duration
}

// New builds a Hub. period is the broadcast tick (default 1s).
func New(status StatusProvider, period time.Duration) *Hub {
	if period <= 0 {
		period = time.Second
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		status:     status,
		period:     period,
	}
}

// Run starts the hub's main loop; it returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("wsfeed: connection rejected, max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.sessionID
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

func (h *Hub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	sessions := make(map[string]bool, len(h.clients))
	for _, sessionID := range h.clients {
		sessions[sessionID] = true
	}
	h.mu.RUnlock()

	for sessionID := range sessions {
		snap, err := h.status(ctx, sessionID)
		if err != nil {
			log.Printf("wsfeed: status lookup failed for session %s: %v", sessionID, err)
			continue
		}

		h.mu.RLock()
		for conn, sid := range h.clients {
			if sid != sessionID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				log.Printf("wsfeed: write error: %v", err)
				go h.Unregister(conn)
			}
		}
		h.mu.RUnlock()
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("wsfeed: shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register subscribes conn to sessionID's status snapshots.
func (h *Hub) Register(conn *websocket.Conn, sessionID string) {
	h.register <- registration{conn: conn, sessionID: sessionID}
}

// Unregister removes conn.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
