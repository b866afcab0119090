// Package stream feeds domain events to WebSocket clients in real time.
//
// The hub sits in the event dispatcher's fan-out next to the webhook sink
// and the receipt issuer. Unlike those, the feed is lossy by contract: a
// dashboard that misses a frame just renders the next one, so a full
// broadcast buffer drops rather than fails the delivery batch.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trailpay/trailpay/internal/events"
	"github.com/trailpay/trailpay/internal/metrics"
)

// normalCloseCodes are WebSocket close codes for an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Frame is one message on the wire: the event type, when it happened, and
// the event payload decoded into a generic map.
type Frame struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription filters the frames a client receives. All set filters must
// match. Entity filters match the payload's bookingId, disputeId, and
// paymentId fields; frames without a payload pass entity filters.
type Subscription struct {
	AllEvents  bool     `json:"allEvents"`
	EventTypes []string `json:"eventTypes"`
	BookingIDs []string `json:"bookingIds"`
	DisputeIDs []string `json:"disputeIds"`
	PaymentIDs []string `json:"paymentIds"`
	// MinAmount drops frames whose payload amount (or grossAmount) is below
	// this many minor units. Frames without an amount pass.
	MinAmount int64 `json:"minAmount"`
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1024

// Hub manages all WebSocket connections and fans frames out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Frame
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalFrames  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new live-feed hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Publish implements events.Publisher. A frame that cannot be queued is
// dropped: returning an error would make the outbox redeliver the whole
// batch to every sink over a missed dashboard frame.
func (h *Hub) Publish(_ context.Context, e *events.Event) error {
	var data map[string]any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			h.logger.Warn("undecodable event payload for stream",
				"eventId", e.ID,
				"type", string(e.Type),
			)
		}
	}
	h.Broadcast(&Frame{
		Type:      string(e.Type),
		Timestamp: e.OccurredAt,
		Data:      data,
	})
	return nil
}

var _ events.Publisher = (*Hub)(nil)

// Run starts the hub's main loop. Call in a goroutine; exits when ctx is
// done, closing every client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("stream hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("stream hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("stream client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("stream client disconnected", "total", n)

		case frame := <-h.broadcast:
			h.totalFrames.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, frame) {
					select {
					case client.send <- h.serialize(frame):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Evict slow clients under the write lock.
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks whether the frame matches the client's subscription.
func (h *Hub) shouldSend(client *Client, frame *Frame) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, frame.Type) {
		return false
	}

	// Entity filters only apply when the payload decoded; a frame without
	// data cannot be matched and passes through.
	if frame.Data != nil {
		if len(sub.BookingIDs) > 0 {
			id, _ := frame.Data["bookingId"].(string)
			if !contains(sub.BookingIDs, id) {
				return false
			}
		}
		if len(sub.DisputeIDs) > 0 {
			id, _ := frame.Data["disputeId"].(string)
			if !contains(sub.DisputeIDs, id) {
				return false
			}
		}
		if len(sub.PaymentIDs) > 0 {
			id, _ := frame.Data["paymentId"].(string)
			if !contains(sub.PaymentIDs, id) {
				return false
			}
		}
		if sub.MinAmount > 0 {
			// JSON numbers decode as float64. Refund payloads carry amount,
			// payment payloads grossAmount; frames with neither pass.
			amount, ok := frame.Data["amount"].(float64)
			if !ok {
				amount, ok = frame.Data["grossAmount"].(float64)
			}
			if ok && int64(amount) < sub.MinAmount {
				return false
			}
		}
	}

	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (h *Hub) serialize(frame *Frame) []byte {
	data, _ := json.Marshal(frame)
	return data
}

// Broadcast queues a frame for delivery to all matching clients. A full
// queue drops the frame.
func (h *Hub) Broadcast(frame *Frame) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("stream broadcast channel full, dropping frame")
	}
}

// Stats returns hub statistics for the admin dashboard.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalFrames":      h.totalFrames.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket and registers the client with
// a default subscribe-to-everything subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned
	// connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket. The only inbound messages are
// subscription updates; anything that does not parse is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes frames and keepalive pings to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
