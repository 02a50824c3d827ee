package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cordum/agentgate/core/events"
	"github.com/cordum/agentgate/core/infra/logging"
	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 100
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{wsAPIKeyProtocol},
}

// Hub fans events out to connected websocket clients. Clients that cannot
// keep up are dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan []byte)}
}

// Notify broadcasts ev as a JSON text frame.
func (h *Hub) Notify(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var slow []*websocket.Conn
	h.mu.RLock()
	for conn, ch := range h.clients {
		select {
		case ch <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range slow {
		logging.Warn(component, "ws client too slow, dropping", "remote", conn.RemoteAddr().String())
		h.remove(conn)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.remove(conn)
	}
}

func (h *Hub) add(conn *websocket.Conn) (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan []byte, clientBuffer)
	h.clients[conn] = ch
	return ch, true
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(component, "ws upgrade failed", "error", err)
		return
	}
	ch, ok := s.hub.add(ws)
	if !ok {
		_ = ws.Close()
		return
	}
	logging.Info(component, "ws connected", "remote", r.RemoteAddr)
	defer s.hub.remove(ws)

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
