// WebSocket event bridge: UI clients subscribe here instead of polling
// the local store.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halation/darkroom/internal/db"
	"github.com/halation/darkroom/internal/logging"
	syncengine "github.com/halation/darkroom/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local UI clients only
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// Event types pushed to UI clients.
const (
	EventRollUpdated    = "roll.updated"
	EventPhotoUpdated   = "photo.updated"
	EventQueueUpdated   = "queue.updated"
	EventProfileUpdated = "profile.updated"
	EventSyncStatus     = "sync.status"
)

// Envelope wraps every pushed message.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one connected UI session.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains active client connections and broadcasts events.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			logging.Debug("ws client connected", map[string]interface{}{"client": client.id})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			logging.Debug("ws client disconnected", map[string]interface{}{"client": client.id})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full, drop the client
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one event to every connected client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal ws event", err)
		return
	}
	h.broadcast <- bytes
}

// BridgeChanges forwards local store mutations and sync status to the
// hub until ctx is cancelled. UI layers re-query on these signals; the
// events carry identities, not record payloads.
func (h *Hub) BridgeChanges(ctx context.Context, notifier *db.Notifier, engine *syncengine.Engine) {
	changes, cancel := notifier.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			h.forward(change, engine)
		}
	}
}

func (h *Hub) forward(change db.Change, engine *syncengine.Engine) {
	data := map[string]interface{}{"id": change.ID, "op": string(change.Op)}

	switch change.Table {
	case "rolls":
		h.Broadcast(EventRollUpdated, data)
	case "photos":
		h.Broadcast(EventPhotoUpdated, data)
	case "pending_operations":
		h.Broadcast(EventQueueUpdated, data)
		if summary, err := engine.Status(); err == nil {
			h.Broadcast(EventSyncStatus, map[string]interface{}{
				"online":  summary.Online,
				"pending": summary.Pending,
				"failed":  summary.Failed,
			})
		}
	case "profile_cache":
		h.Broadcast(EventProfileUpdated, data)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("ws read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		// Inbound messages are ignored; the control surface is REST.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades a connection and attaches it to the hub.
func HandleWebSocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("ws upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &Client{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
