package realtime

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/internal/events"
)

func testHub(t *testing.T) (*Hub, *events.Bus) {
	t.Helper()
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)
	return NewHub(bus, slog.Default()), bus
}

// testClient wires a client straight onto the bus, skipping the socket.
func testClient(h *Hub, bus *events.Bus, agentID string, buffer int) *Client {
	return &Client{
		hub:     h,
		agentID: agentID,
		stream:  bus.Subscribe(agentID),
		send:    make(chan []byte, buffer),
	}
}

func TestFilter_Wants(t *testing.T) {
	all := Filter{}
	assert.True(t, all.wants(events.TaskPosted))
	assert.True(t, all.wants(events.TaskApproved))

	narrow := Filter{Kinds: []events.Kind{events.TaskApproved, events.TaskRejected}}
	assert.True(t, narrow.wants(events.TaskApproved))
	assert.True(t, narrow.wants(events.TaskRejected))
	assert.False(t, narrow.wants(events.TaskPosted))
}

func TestHub_StatsInitial(t *testing.T) {
	h, _ := testHub(t)

	stats := h.Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, bus := testHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := testClient(h, bus, "ag-alice", 4)
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	assert.Equal(t, 1, stats["connectedClients"])
	assert.Equal(t, int64(1), stats["peakClients"])

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(1), stats["peakClients"])

	// The bus stream is gone with the client.
	_, open := <-client.stream.C()
	assert.False(t, open)
}

func TestHub_BridgeDeliversOwnEventsOnly(t *testing.T) {
	h, bus := testHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := testClient(h, bus, "ag-alice", 4)
	h.register <- client
	go client.bridge()

	bus.Publish("ag-bob", events.Event{Kind: events.TaskPosted, TaskID: "tk-other"})
	bus.Publish("ag-alice", events.Event{Kind: events.TaskApproved, TaskID: "tk-mine"})

	select {
	case msg := <-client.send:
		assert.Contains(t, string(msg), `"task_approved"`)
		assert.Contains(t, string(msg), "tk-mine")
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	select {
	case msg := <-client.send:
		t.Fatalf("unexpected second message: %s", msg)
	default:
	}
}

func TestHub_BridgeHonorsFilter(t *testing.T) {
	h, bus := testHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := testClient(h, bus, "ag-alice", 4)
	client.filter = Filter{Kinds: []events.Kind{events.TaskApproved}}
	h.register <- client
	go client.bridge()

	bus.Publish("ag-alice", events.Event{Kind: events.TaskPosted, TaskID: "tk-1"})
	bus.Publish("ag-alice", events.Event{Kind: events.TaskApproved, TaskID: "tk-2"})

	select {
	case msg := <-client.send:
		assert.Contains(t, string(msg), `"task_approved"`)
		assert.Contains(t, string(msg), "tk-2")
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h, bus := testHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// A one-slot buffer that nobody drains.
	client := testClient(h, bus, "ag-alice", 1)
	h.register <- client
	time.Sleep(50 * time.Millisecond)
	go client.bridge()

	for i := 0; i < 5; i++ {
		bus.Publish("ag-alice", events.Event{Kind: events.TaskPosted, TaskID: "tk-flood"})
	}

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h, bus := testHub(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	client := testClient(h, bus, "ag-alice", 4)
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	// Upgrades after shutdown are refused.
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/v1/ws", nil)
	h.HandleWebSocket(w, r, "ag-alice")
	assert.Equal(t, 503, w.Code)
}

func TestHub_HandleWebSocketRequiresAgent(t *testing.T) {
	h, _ := testHub(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/v1/ws", nil)
	h.HandleWebSocket(w, r, "")
	assert.Equal(t, 401, w.Code)
}
