package server

import (
	"encoding/json"
	"sync"

	"github.com/danmuck/presencectl/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const MsgSnapshot = "snapshot"

// Message is one websocket frame.
type Message struct {
	Type    string           `json:"type"`
	Payload session.Snapshot `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub fans published snapshots out to websocket clients. A client that
// cannot keep up is dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Add registers conn and queues the current snapshot as its first frame.
// current is read under the hub lock so no later publish can precede it.
func (h *Hub) Add(conn *websocket.Conn, current func() session.Snapshot) *client {
	c := newClient(conn)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return c
	}
	h.clients[c] = struct{}{}
	if data, err := encode(current()); err == nil {
		c.send <- data
	}
	return c
}

func (h *Hub) Remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// Publish is a session subscriber.
func (h *Hub) Publish(snap session.Snapshot) {
	data, err := encode(snap)
	if err != nil {
		log.Error().Msgf("server.Hub.Publish marshal err=%v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Msgf("server.Hub.Publish slow client dropped")
			h.dropLocked(c)
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func encode(snap session.Snapshot) ([]byte, error) {
	return json.Marshal(Message{Type: MsgSnapshot, Payload: snap})
}
