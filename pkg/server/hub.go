package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
)

// clientSendBuffer bounds the per-client outbound queue; slow clients drop
// notifications rather than stalling the runtime.
const clientSendBuffer = 64

const writeTimeout = 10 * time.Second

// Hub fans runtime notifications out to every connected WebSocket client.
// It is created before the session manager so it can serve as the manager's
// notifier.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify broadcasts a runtime notification as a JSON-RPC notification frame.
// Satisfies ailoop.Notifier.
func (h *Hub) Notify(n ailoop.Notification) {
	frame, err := json.Marshal(rpcNotification{
		JSONRPC: "2.0",
		Method:  n.Method,
		Params:  n.Params,
	})
	if err != nil {
		slog.Warn("Failed to encode notification", "method", n.Method, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slog.Debug("Dropping notification for slow client", "method", n.Method)
		}
	}
}

// writePump serializes all writes to one connection.
func (c *client) writePump() {
	defer c.conn.Close()
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}
