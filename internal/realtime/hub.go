// Package realtime pushes marketplace events to agents over WebSocket.
//
// Each connection belongs to one authenticated agent and carries that
// agent's bus stream, so a socket never sees another agent's events.
// Delivery is best-effort: the bus buffer absorbs short stalls, and a
// client that cannot drain its own socket buffer is dropped and expected
// to resync by polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
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
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// laggingNotice tells the client its stream dropped events and the task
// store should be re-polled before trusting the stream again.
var laggingNotice = []byte(`{"type":"lagging","data":{"hint":"events were dropped, resync by polling"}}`)

// Filter narrows which event kinds a client receives. An empty kind list
// means everything. Clients update it by sending the JSON over the socket.
type Filter struct {
	Kinds []events.Kind `json:"kinds"`
}

func (f Filter) wants(k events.Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Client is one agent's WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	agentID string
	stream  *events.Subscription
	send    chan []byte

	mu     sync.RWMutex
	filter Filter
	closed bool // send is closed; only the hub flips this
}

func (c *Client) wants(k events.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.wants(k)
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections.
type Hub struct {
	bus        *events.Bus
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a WebSocket hub over the event bus.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
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
			h.logger.Info("client connected", "agent_id", client.agentID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				delete(h.clients, client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "agent_id", client.agentID, "total", n)
		}
	}
}

// drop detaches a client from the bus and ends its write pump. Callers
// hold h.mu.
func (h *Hub) drop(client *Client) {
	h.bus.Unsubscribe(client.stream)
	client.mu.Lock()
	if !client.closed {
		client.closed = true
		close(client.send) // writePump sends CloseMessage on closed channel
	}
	client.mu.Unlock()
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// Handler adapts the hub to a gin route behind the auth middleware.
func (h *Hub) Handler(authedAgentID func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request, authedAgentID(c))
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for one agent's stream.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, agentID string) {
	if agentID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
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
		hub:     h,
		conn:    conn,
		agentID: agentID,
		stream:  h.bus.Subscribe(agentID),
		send:    make(chan []byte, 256),
	}

	h.register <- client

	go client.bridge()
	go client.writePump()
	go client.readPump()
}

// bridge forwards the agent's bus stream into the socket buffer. A full
// buffer means the socket is not draining; the client is dropped rather
// than allowed to stall the stream.
func (c *Client) bridge() {
	for e := range c.stream.C() {
		if c.stream.Lagging() {
			c.offer(laggingNotice)
		}
		if !c.wants(e.Kind) {
			continue
		}
		c.hub.totalEvents.Add(1)
		payload, err := json.Marshal(e)
		if err != nil {
			c.hub.logger.Error("marshal event", "error", err)
			continue
		}
		if !c.offer(payload) {
			c.hub.logger.Warn("websocket client too slow, dropping",
				"agent_id", c.agentID)
			c.detach()
			return
		}
	}
}

// offer queues a payload without blocking. Sends hold the read lock so
// they cannot overlap the hub closing the channel.
func (c *Client) offer(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// detach hands the client back to the hub. After shutdown there is no
// loop to receive it, so give up instead of blocking forever.
func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// readPump reads messages from WebSocket (filter updates, pings).
func (c *Client) readPump() {
	defer func() {
		c.detach()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
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

		var f Filter
		if err := json.Unmarshal(message, &f); err == nil {
			c.mu.Lock()
			c.filter = f
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket.
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
