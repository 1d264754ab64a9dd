// Package events streams queue and processor notifications to WebSocket clients.
package events

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/c.mueller/tasksync/internal/notify"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts same-host and loopback origins only
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == r.Host
}

// Envelope wraps every message sent to clients
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.RWMutex
	filter map[string]bool
}

func (c *client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filter) == 0 || c.filter[eventType]
}

type message struct {
	eventType string
	payload   []byte
}

// Hub keeps the connected clients and fans messages out to them
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once
}

// New creates a hub and starts its loop
func New() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Stop disconnects every client and ends the loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[DEBUG] Event stream client connected: %s (total: %d)", c.id, total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[DEBUG] Event stream client disconnected: %s (total: %d)", c.id, total)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					log.Printf("[WARN] Event stream client %s is too slow, disconnecting", id)
					delete(h.clients, id)
					close(c.send)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues a message for every interested client. Messages are
// dropped when the hub is stopped or its buffer is full.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	payload, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		log.Printf("[ERROR] Failed to marshal event %s: %v", eventType, err)
		return
	}

	select {
	case h.broadcast <- message{eventType: eventType, payload: payload}:
	case <-h.done:
	default:
		log.Printf("[WARN] Event buffer full, dropping %s", eventType)
	}
}

// Attach forwards every notifier event to the hub
func (h *Hub) Attach(n *notify.Notifier) (unsubscribe func()) {
	return n.Subscribe(func(ev notify.Event) {
		h.Broadcast(string(ev.Type), eventData(ev))
	})
}

func eventData(ev notify.Event) map[string]any {
	data := map[string]any{}
	if ev.EntryID != "" {
		data["entry_id"] = ev.EntryID
	}
	if ev.ProjectID != "" {
		data["project_id"] = ev.ProjectID
	}
	if ev.LocalID != "" {
		data["local_id"] = ev.LocalID
		data["remote_id"] = ev.RemoteID
	}
	if ev.Count > 0 {
		data["count"] = ev.Count
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	switch ev.Type {
	case notify.RunStarted, notify.RunFinished, notify.RunFailed:
		data["run_active"] = ev.RunActive
	}
	return data
}

// Handler upgrades requests to WebSocket connections on the hub
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[WARN] WebSocket upgrade failed: %v", err)
			return
		}

		c := &client{
			id:     uuid.New().String(),
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
			hub:    h,
			filter: make(map[string]bool),
		}

		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

// clientMessage is what clients may send: subscribe, unsubscribe or ping
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WARN] WebSocket read error: %v", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[DEBUG] Ignoring malformed client message: %v", err)
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.filter[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]any{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.filter, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]any{"action": "pong"})
		}
	}
}

// reply queues a direct answer, skipping it when the client is backed up
func (c *client) reply(body map[string]any) {
	body["timestamp"] = time.Now().Unix()
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
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
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
