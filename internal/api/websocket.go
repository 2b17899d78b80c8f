package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/metrics"
	"github.com/moltbunker/fasset/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// StreamMessage is one frame on the event stream, in both directions
type StreamMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// subscribeRequest is the data of a subscribe or unsubscribe frame
type subscribeRequest struct {
	Channels []string `json:"channels"`
}

// AgentChannel is the stream channel carrying one agent's events
func AgentChannel(vault string) string {
	return "agent:" + strings.ToLower(vault)
}

// TypeChannel is the stream channel carrying one event type
func TypeChannel(t assetmanager.EventType) string {
	return "type:" + string(t)
}

// streamClient is a connected event stream client
type streamClient struct {
	id         string
	hub        *EventHub
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]bool
	mu         sync.RWMutex
}

// EventHub fans committed asset manager events out to websocket clients.
// Clients without subscriptions receive every event.
type EventHub struct {
	clients    map[*streamClient]bool
	broadcast  chan assetmanager.Event
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	mu         sync.RWMutex

	allowedOrigins []string
	metrics        *metrics.PrometheusCollector
}

// NewEventHub creates a hub. collector may be nil.
func NewEventHub(allowedOrigins []string, collector *metrics.PrometheusCollector) *EventHub {
	return &EventHub{
		clients:        make(map[*streamClient]bool),
		broadcast:      make(chan assetmanager.Event, 1024),
		register:       make(chan *streamClient),
		unregister:     make(chan *streamClient),
		done:           make(chan struct{}),
		allowedOrigins: allowedOrigins,
		metrics:        collector,
	}
}

// Publish queues an event for broadcast without blocking the engine
func (h *EventHub) Publish(ev assetmanager.Event) {
	select {
	case h.broadcast <- ev:
	default:
		logging.Warn("event stream buffer full, dropping event",
			"type", string(ev.Type),
			logging.AgentVault(ev.AgentVault),
			logging.Component("events"))
	}
}

// Run serves the hub until ctx is done, then disconnects every client
func (h *EventHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncrementStreamClients()
			}
			logging.Debug("event stream client connected",
				"client_id", client.id,
				"total_clients", total,
				logging.Component("events"))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("event stream client disconnected",
				"client_id", client.id,
				"total_clients", total,
				logging.Component("events"))

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// Done is closed once Run has returned
func (h *EventHub) Done() <-chan struct{} {
	return h.done
}

func (h *EventHub) deliver(ev assetmanager.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	channels := []string{AgentChannel(ev.AgentVault.Hex()), TypeChannel(ev.Type)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		channel, ok := client.matches(channels)
		if !ok {
			continue
		}
		data, err := json.Marshal(StreamMessage{Type: "event", Channel: channel, Data: payload})
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
		default:
			// slow consumer
			h.removeLocked(client)
		}
	}
}

// removeLocked drops a client; h.mu must be held
func (h *EventHub) removeLocked(client *streamClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if h.metrics != nil {
		h.metrics.DecrementStreamClients()
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// checkOrigin allows requests without an Origin header, same-host origins and the configured list
func (h *EventHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// matches returns the channel an event is delivered on, if the client wants it
func (c *streamClient) matches(channels []string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscribed) == 0 {
		return "", true
	}
	for _, ch := range channels {
		if c.subscribed[ch] {
			return ch, true
		}
	}
	return "", false
}

// readPump reads subscription frames until the connection fails
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("event stream read error",
					"client_id", c.id,
					logging.Err(err),
					logging.Component("events"))
			}
			return
		}

		var msg StreamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply("error", map[string]string{"error": "invalid message"})
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *streamClient) handleMessage(msg *StreamMessage) {
	switch msg.Type {
	case "subscribe", "unsubscribe":
		var req subscribeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.reply("error", map[string]string{"error": "invalid channels"})
			return
		}
		c.mu.Lock()
		for _, ch := range req.Channels {
			ch = strings.ToLower(ch)
			if msg.Type == "subscribe" {
				c.subscribed[ch] = true
			} else {
				delete(c.subscribed, ch)
			}
		}
		c.mu.Unlock()
		c.reply(msg.Type+"d", map[string][]string{"channels": c.channels()})
	case "ping":
		c.reply("pong", nil)
	}
}

// reply queues a frame for this client only. The hub may already have closed send.
func (c *streamClient) reply(msgType string, data interface{}) {
	msg := StreamMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		msg.Data = raw
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *streamClient) channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribed))
	for ch := range c.subscribed {
		out = append(out, ch)
	}
	return out
}

// handleEvents handles GET /v1/events websocket upgrades
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.hub.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("event stream upgrade failed",
			logging.Err(err),
			logging.Component("events"))
		return
	}

	client := &streamClient{
		id:         uuid.NewString(),
		hub:        s.hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		subscribed: make(map[string]bool),
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	util.SafeGoWithName("event-stream-writer", client.writePump)
	util.SafeGoWithName("event-stream-reader", client.readPump)
}
