// Package realtime pushes conversation events to connected dashboard
// clients over websockets. Delivery is best effort: slow or dead clients
// are skipped, never waited on.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 32
)

// Event is one conversation update pushed to subscribers.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	Direction      string    `json:"direction,omitempty"`
	Content        string    `json:"content,omitempty"`
	Status         string    `json:"status,omitempty"`
	At             time.Time `json:"at"`
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans events out to each tenant's connected clients.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}

	upgrader websocket.Upgrader
	done     chan struct{}
	onceStop sync.Once
}

// NewHub creates a hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger:  log.With(slog.String("component", "realtime")),
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Broadcast delivers an event to every client of one tenant. Clients whose
// buffers are full miss the event; the durable record lives in the store.
func (h *Hub) Broadcast(userID string, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("encode realtime event", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// ClientCount reports connected clients across all tenants.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.clients {
		total += len(set)
	}
	return total
}

// Serve upgrades the request and subscribes it to the tenant's events until
// the client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go h.writePump(c)
	go h.readPump(c)
	return nil
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.onceStop.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, set := range h.clients {
			for c := range set {
				close(c.send)
				delete(set, c)
			}
		}
	})
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("realtime client connected", slog.String("user_id", c.userID))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	h.logger.Debug("realtime client disconnected", slog.String("user_id", c.userID))
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.done:
			return
		}
	}
}
