package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/internal/util"
	"github.com/solverbond/solverbond/pkg/types"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 54 * time.Second
	wsMaxMessageSize = 64 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback; remote origins never reach it directly.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketMessage is the envelope for every frame in both directions.
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WebSocketHub fans protocol events out to connected clients. Clients pick
// event kinds with subscribe messages; an empty subscription set means
// everything.
type WebSocketHub struct {
	mu      sync.RWMutex
	clients map[*WebSocketClient]struct{}
	closed  bool

	broadcast chan types.Event
}

// NewWebSocketHub creates a hub; call Run to start dispatching.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:   make(map[*WebSocketClient]struct{}),
		broadcast: make(chan types.Event, 256),
	}
}

// Run dispatches until the context is cancelled, then closes every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case ev := <-h.broadcast:
			h.dispatch(ev)
		}
	}
}

// add registers a client. A client added after shutdown is rejected.
func (h *WebSocketHub) add(c *WebSocketClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove drops a client and closes its send channel. Idempotent.
func (h *WebSocketHub) remove(c *WebSocketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *WebSocketHub) dispatch(ev types.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Warn("event marshal failed", "kind", ev.Kind, "error", err)
		return
	}
	msg := WebSocketMessage{Type: "event", Channel: string(ev.Kind), Data: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(string(ev.Kind)) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// Slow consumer; drop the frame rather than stall the hub.
		}
	}
}

// Broadcast queues an event for delivery. Non-blocking; events are dropped
// when the hub's buffer is full.
func (h *WebSocketHub) Broadcast(ev types.Event) {
	select {
	case h.broadcast <- ev:
	default:
		logging.Warn("websocket broadcast buffer full, dropping event", "kind", ev.Kind)
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WebSocketClient is one connected consumer.
type WebSocketClient struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan WebSocketMessage

	mu       sync.RWMutex
	channels map[string]struct{}
}

func (c *WebSocketClient) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.channels) == 0 {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

func (c *WebSocketClient) subscribe(channel string) {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *WebSocketClient) unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		var msg WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("websocket read error", "error", err)
			}
			return
		}
		switch msg.Type {
		case "subscribe":
			if msg.Channel != "" {
				c.subscribe(msg.Channel)
			}
		case "unsubscribe":
			if msg.Channel != "" {
				c.unsubscribe(msg.Channel)
			}
		case "ping":
			select {
			case c.send <- WebSocketMessage{Type: "pong"}:
			default:
			}
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug("websocket upgrade failed", "error", err)
		return
	}
	client := &WebSocketClient{
		hub:      s.wsHub,
		conn:     conn,
		send:     make(chan WebSocketMessage, 64),
		channels: make(map[string]struct{}),
	}
	if !s.wsHub.add(client) {
		conn.Close()
		return
	}
	util.SafeGoWithName("ws-write", client.writePump)
	util.SafeGoWithName("ws-read", client.readPump)
}

// bridgeBusToWebSocket forwards engine bus events into the hub. Returns a
// cancel that stops the forwarder and drops the subscription.
func (s *Server) bridgeBusToWebSocket() func() {
	if s.bus == nil {
		return func() {}
	}
	ch, cancel := s.bus.Subscribe(256)
	done := make(chan struct{})
	util.SafeGoWithName("ws-bus-bridge", func() {
		defer close(done)
		for ev := range ch {
			s.wsHub.Broadcast(ev)
		}
	})
	return func() {
		cancel()
		<-done
	}
}
