package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/applyctl/flowctl/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from an operator-controlled origin list in
	// front of this process; the gateway terminating TLS enforces the
	// origin check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades GET /ws/sessions/{id}?token=... into a
// live status feed registered with the WebSocket hub. The bearer token
// travels as a query parameter since browser WebSocket clients cannot
// set an Authorization header on the handshake request.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/sessions/")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	token := r.URL.Query().Get("token")
	if _, err := auth.ValidateToken(token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsfeed: upgrade failed: %v", err)
		return
	}
	s.WSHub.Register(conn, sessionID)
}
