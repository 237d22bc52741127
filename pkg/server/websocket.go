package server

import (
	"net/http"

	"github.com/aeolun/netchat/pkg/transport"
)

const websocketPath = transport.WebSocketPath

// HandleWebSocket upgrades the request and runs a chat session over it.
// The WebSocket is only a byte pipe; framing is the same as on TCP.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	s.serveBlocking(transport.NewWebSocketConn(ws), "ws")
}
