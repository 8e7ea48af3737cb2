// Package bus carries typed message envelopes between the core and the
// extension surfaces (popup, content scripts, pokedex page) over a local
// WebSocket hub. Messages inbound from a surface are handed to a single
// handler; events outbound from the core are broadcast to every connected
// surface.
package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/logging"
)

// Inbound message types, produced by extension surfaces.
const (
	MsgAuthStateChanged  = "AUTH_STATE_CHANGED"
	MsgPokemonCaught     = "POKEMON_CAUGHT"
	MsgPokemonReleased   = "POKEMON_RELEASED"
	MsgPokemonEvolved    = "POKEMON_EVOLVED"
	MsgCollectionUpdated = "COLLECTION_UPDATED"
	MsgSyncNow           = "SYNC_NOW"
)

// Outbound event types, broadcast by the core.
const (
	EventSyncStarted       = "sync.started"
	EventSyncCompleted     = "sync.completed"
	EventSyncFailed        = "sync.failed"
	EventCollectionUpdated = "collection.updated"
	EventAuthChanged       = "auth.changed"
	EventLedgerUpdated     = "ledger.updated"
	EventError             = "error"
)

// Envelope wraps every message on the bus, both directions.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// MessageFunc handles one inbound envelope. A returned error is reported
// back to the sending surface as an error event; delivery to the handler
// is otherwise fire-and-forget.
type MessageFunc func(ctx context.Context, env Envelope) error

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Surfaces connect from the extension on the same machine only.
		host := r.Host
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return host == "localhost" || host == "127.0.0.1" || host == "[::1]"
	},
}

// Client is one connected extension surface.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains surface connections and fans events out to them.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stopCh     chan struct{}
	closeOnce  sync.Once

	mu      sync.RWMutex
	handler MessageFunc
}

// NewHub creates a hub and starts its connection loop. The handler may be
// nil initially and attached later with SetHandler.
func NewHub(handler MessageFunc) *Hub {
	hub := &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopCh:     make(chan struct{}),
		handler:    handler,
	}
	go hub.run()
	return hub
}

// Close stops the connection loop and disconnects every surface. Safe to
// call more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.stopCh) })
}

// SetHandler attaches the inbound message handler.
func (h *Hub) SetHandler(fn MessageFunc) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func (h *Hub) currentHandler() MessageFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("surface connected", map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("surface disconnected", map[string]interface{}{"client_id": client.id, "total": total})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Surface stopped draining; drop it.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event envelope to every connected surface.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal bus event", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case h.broadcast <- bytes:
	default:
		logging.Warn("bus broadcast buffer full, event dropped", map[string]interface{}{"type": eventType})
	}
}

// BroadcastSyncStarted notifies surfaces that a sync pass began.
func (h *Hub) BroadcastSyncStarted() {
	h.Broadcast(EventSyncStarted, map[string]interface{}{"status": "started"})
}

// BroadcastSyncCompleted notifies surfaces that a sync pass finished.
func (h *Hub) BroadcastSyncCompleted(synced, merged int) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"synced": synced,
		"merged": merged,
		"status": "completed",
	})
}

// BroadcastSyncFailed notifies surfaces that a sync pass failed.
func (h *Hub) BroadcastSyncFailed(code apperrors.ErrorCode, retryAfter time.Duration) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"error_code":  string(code),
		"retry_after": retryAfter.Milliseconds(),
		"status":      "failed",
	})
}

// BroadcastCollectionUpdated tells surfaces to re-read the collection.
func (h *Hub) BroadcastCollectionUpdated(source string, count int) {
	h.Broadcast(EventCollectionUpdated, map[string]interface{}{
		"source": source,
		"count":  count,
	})
}

// BroadcastAuthChanged notifies surfaces of a sign-in or sign-out.
func (h *Hub) BroadcastAuthChanged(signedIn bool) {
	h.Broadcast(EventAuthChanged, map[string]interface{}{"signed_in": signedIn})
}

// BroadcastLedgerUpdated notifies surfaces of a candy balance change.
func (h *Hub) BroadcastLedgerUpdated(familyID, balance int) {
	h.Broadcast(EventLedgerUpdated, map[string]interface{}{
		"family_id": familyID,
		"balance":   balance,
	})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("bus read error", map[string]interface{}{"error": err.Error()})
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logging.Warn("invalid bus envelope", map[string]interface{}{"error": err.Error()})
			continue
		}

		if env.Type == "ping" {
			c.sendEnvelope(Envelope{Type: "pong", Timestamp: time.Now().UnixMilli()})
			continue
		}

		handler := c.hub.currentHandler()
		if handler == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = handler(ctx, env)
		cancel()

		if err != nil {
			c.sendEnvelope(Envelope{
				Type: EventError,
				Data: map[string]interface{}{
					"request_type": env.Type,
					"error_code":   string(apperrors.CodeOf(err)),
					"message":      err.Error(),
				},
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

func (c *Client) sendEnvelope(env Envelope) {
	bytes, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- bytes:
	default:
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

// Handler returns an http.HandlerFunc that upgrades connections and
// registers them with the hub.
func Handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &Client{
			id:   time.Now().Format("20060102150405.000000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}

		select {
		case hub.register <- client:
		case <-hub.stopCh:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
