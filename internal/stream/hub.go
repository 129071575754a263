// Package stream pushes relay events to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doridoridoriand/envmon/internal/event"
	"github.com/doridoridoriand/envmon/internal/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
	broadcastQueue = 256
)

// Hub fans events out to connected clients. Slow clients are disconnected
// rather than allowed to block the broadcaster.
type Hub struct {
	logger     *log.Logger
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns an idle hub; call Run to start it.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, broadcastQueue),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("stream client registered", map[string]interface{}{"remote": c.conn.RemoteAddr().String()})
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("stream client too slow, dropping", map[string]interface{}{"remote": c.conn.RemoteAddr().String()})
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues e for every client. It never blocks; when the hub is
// backlogged the event is dropped for stream subscribers.
func (h *Hub) Broadcast(e event.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.LogError("stream", err, nil)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("stream backlog full, event dropped", map[string]interface{}{"seq": e.Seq})
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and subscribes the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.LogError("stream", err, map[string]interface{}{"remote": r.RemoteAddr})
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("stream read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
