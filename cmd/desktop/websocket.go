// WebSocket event hub for the desktop shell.
package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mipyme/offline/internal/logging"
	syncpkg "github.com/mipyme/offline/internal/sync"
	"github.com/mipyme/offline/internal/uuid"
)

const (
	wsReadWait  = 60 * time.Second
	wsWriteWait = 10 * time.Second
	wsPingEvery = 30 * time.Second
	wsSendQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts connections without an Origin header (the desktop
// shell) and from pages served by a loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventSyncSuccess         = "sync.success"
	EventSyncFailure         = "sync.failure"
	EventSyncPass            = "sync.pass"
	EventQueueCountChanged   = "queue.count_changed"
	EventConnectivityChanged = "connectivity.changed"
)

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type wsMessage struct {
	event string
	data  []byte
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives event. A client without
// subscriptions receives everything.
func (c *WSClient) wants(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[event]
}

// WSHub maintains active client connections and broadcasts messages. It
// implements the sync observer interfaces so it can be subscribed to the
// runtime directly.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	closeOnce  sync.Once

	mu     sync.RWMutex
	logger *logging.Logger
}

var (
	_ syncpkg.Observer     = (*WSHub)(nil)
	_ syncpkg.PassObserver = (*WSHub)(nil)
)

// NewWSHub creates a new WebSocket hub and starts its loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, wsSendQueue),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		logger:     logging.Named("ws"),
	}
	go hub.run()
	return hub
}

// Close disconnects every client and stops the hub.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
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
			h.logger.Debug("Client connected", map[string]interface{}{"client": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", map[string]interface{}{"client": client.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(msg.event) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// slow client
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all subscribed clients. Events are dropped
// once the hub is closed.
func (h *WSHub) Broadcast(event string, data map[string]interface{}) {
	bytes, err := json.Marshal(WSEnvelope{
		Type:      event,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Warn("Failed to marshal event", map[string]interface{}{"type": event, "error": err.Error()})
		return
	}

	select {
	case h.broadcast <- wsMessage{event: event, data: bytes}:
	case <-h.done:
	}
}

// =====================================================
// Event Broadcasters
// =====================================================

// OnSyncSuccess broadcasts a confirmed replay.
func (h *WSHub) OnSyncSuccess(e syncpkg.SyncSuccess) {
	h.Broadcast(EventSyncSuccess, map[string]interface{}{
		"operation_id": e.Operation.ID,
		"method":       e.Operation.HTTPMethod,
		"target":       e.Operation.Target,
		"status_code":  e.StatusCode,
		"invalidated":  e.Invalidated,
	})
}

// OnSyncFailure broadcasts a failed replay.
func (h *WSHub) OnSyncFailure(e syncpkg.SyncFailure) {
	h.Broadcast(EventSyncFailure, map[string]interface{}{
		"operation_id": e.Operation.ID,
		"method":       e.Operation.HTTPMethod,
		"target":       e.Operation.Target,
		"status_code":  e.StatusCode,
		"reason":       e.Reason,
		"retry_count":  e.RetryCount,
		"disposition":  string(e.Disposition),
	})
}

// OnPendingCountChange broadcasts the new queue length for the UI badge.
func (h *WSHub) OnPendingCountChange(count int) {
	h.Broadcast(EventQueueCountChanged, map[string]interface{}{
		"pending": count,
	})
}

// OnSyncPass broadcasts a pass summary.
func (h *WSHub) OnSyncPass(r syncpkg.PassResult) {
	h.Broadcast(EventSyncPass, map[string]interface{}{
		"attempted":     r.Attempted,
		"replayed":      r.Replayed,
		"rejected":      r.Rejected,
		"dead_lettered": r.DeadLettered,
		"remaining":     r.Remaining,
		"stopped":       r.Stopped,
		"duration":      r.Duration.Milliseconds(),
		"error":         r.Error,
	})
}

// BroadcastConnectivityChanged notifies clients of an online/offline transition.
func (h *WSHub) BroadcastConnectivityChanged(online bool) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{
		"online": online,
	})
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct answer to the client, outside the hub loop. The
// hub lock guards against sending on a channel it already closed.
func (c *WSClient) reply(v map[string]interface{}) {
	v["timestamp"] = time.Now().Unix()
	bytes, _ := json.Marshal(v)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("Failed to upgrade", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, wsSendQueue),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
