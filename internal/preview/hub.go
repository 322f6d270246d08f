// Package preview pushes rendered diagram scenes to connected clients
// over WebSocket. Each connected client receives every scene published
// after it subscribed; slow clients are disconnected rather than allowed
// to stall the broadcast.
package preview

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/mermaid"
)

const (
	writeWait       = 10 * time.Second
	pingInterval    = 30 * time.Second
	clientQueueSize = 8
)

// Hub fans rendered scenes out to WebSocket subscribers. It satisfies
// the renderer's Publisher interface.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *envelope
}

type client struct {
	conn *websocket.Conn
	send chan *envelope
}

type envelope struct {
	Type  string         `json:"type"`
	Scene *mermaid.Scene `json:"scene"`
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish broadcasts a scene to every connected client. Clients whose
// queue is full are dropped; the hub never blocks the caller.
func (h *Hub) Publish(scene *mermaid.Scene) {
	msg := &envelope{Type: "scene", Scene: scene}

	h.mu.Lock()
	h.last = msg
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			stale = append(stale, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Warn("dropping slow preview client")
		close(c.send)
	}
}

// ServeWS upgrades the request and subscribes the connection. New
// subscribers immediately receive the most recently published scene so
// a freshly opened preview is not blank until the next generation.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("preview upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan *envelope, clientQueueSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// ClientCount reports the number of active subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
