package fanout

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxDebugConnections caps the secondary debug socket, same guardrail the
// teacher's MetricsHub applies to its own connection set.
const maxDebugConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DebugHub is a secondary, non-authoritative WebSocket broadcast of the same
// SkaldStore/TaskStore change stream the SSE hubs serve — useful for ad hoc
// inspection tools that already speak WebSocket. Shape lifted directly from
// the teacher's MetricsHub: register/unregister channels feeding one
// goroutine that owns the client map, avoiding concurrent map writes from
// multiple connection goroutines.
type DebugHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	mu         sync.RWMutex
}

func NewDebugHub() *DebugHub {
	return &DebugHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 64),
	}
}

// Run owns the client map; call it once from the composition root.
func (h *DebugHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxDebugConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("fanout: debug ws connection rejected, max %d reached", maxDebugConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case body := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
					go func(c *websocket.Conn) { h.unregister <- c }(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues body for broadcast to every connected debug client; it
// drops silently if the broadcast channel is saturated rather than block the
// caller (the debug socket is best-effort by design).
func (h *DebugHub) Publish(body []byte) {
	select {
	case h.broadcast <- body:
	default:
	}
}

func (h *DebugHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// ServeHTTP upgrades the request and registers the connection; a background
// read pump drains and discards client frames (the protocol is broadcast
// only) until the client disconnects.
func (h *DebugHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("fanout: debug ws upgrade failed: %v", err)
		return
	}
	h.register <- conn

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.unregister <- conn
			return
		}
	}
}
