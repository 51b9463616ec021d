package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// KeepaliveInterval is how often an idle SSE stream emits a comment so
// intermediaries keep the connection open.
const KeepaliveInterval = 30 * time.Second

// Payload flattens the event for the wire: type and task_id at the top
// level with the data fields spread beside them.
func (e Event) Payload() ([]byte, error) {
	m := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		m[k] = v
	}
	m["type"] = string(e.Kind)
	if e.TaskID != "" {
		m["task_id"] = e.TaskID
	}
	return json.Marshal(m)
}

// Handler serves the SSE stream over the bus.
type Handler struct {
	bus           *Bus
	authedAgentID func(c *gin.Context) string
	keepalive     time.Duration
}

// NewHandler creates an events handler. authedAgentID extracts the
// authenticated agent from the request context.
func NewHandler(bus *Bus, authedAgentID func(c *gin.Context) string) *Handler {
	return &Handler{
		bus:           bus,
		authedAgentID: authedAgentID,
		keepalive:     KeepaliveInterval,
	}
}

// RegisterRoutes registers authenticated event routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/events", h.Stream)
}

// Stream is GET /v1/events. It holds the connection open and writes each
// event as an SSE frame until the client disconnects.
func (h *Handler) Stream(c *gin.Context) {
	agentID := h.authedAgentID(c)
	sub := h.bus.Subscribe(agentID)
	defer h.bus.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := e.Payload()
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", e.Kind, payload)
			c.Writer.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}
