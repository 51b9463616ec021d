// Package events fans task notifications out to interested agents.
//
// The bus is in-memory and best-effort: each subscriber holds a bounded
// buffer, and when it fills the oldest buffered event is dropped and the
// subscription is marked lagging so the consumer knows to resync by
// polling. Nothing here persists; the task store is the source of truth.
package events

import (
	"sync"
	"time"

	"github.com/anneschuth/pinchwork/internal/metrics"
)

// Kind is the event type delivered to subscribers.
type Kind string

const (
	TaskPosted    Kind = "task_posted"
	TaskClaimed   Kind = "task_claimed"
	TaskDelivered Kind = "task_delivered"
	TaskApproved  Kind = "task_approved"
	TaskRejected  Kind = "task_rejected"
	TaskCancelled Kind = "task_cancelled"
	TaskExpired   Kind = "task_expired"

	QuestionAsked    Kind = "question_asked"
	QuestionAnswered Kind = "question_answered"
	MessageSent      Kind = "message_sent"
)

// Event is one notification. Data carries the fields relevant to the
// transition (status, reason, deadlines) and marshals into the payload.
type Event struct {
	Kind      Kind           `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

// Subscription is one agent's event stream.
type Subscription struct {
	agentID string
	ch      chan Event

	mu      sync.Mutex
	lagging bool
}

// C returns the receive channel. It is closed when the subscription is
// removed from the bus.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Lagging reports whether events were dropped since the last call and
// clears the marker.
func (s *Subscription) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.lagging
	s.lagging = false
	return was
}

func (s *Subscription) markLagging() {
	s.mu.Lock()
	s.lagging = true
	s.mu.Unlock()
}

// Tap observes every published event regardless of subscriptions. It must
// not block; the webhook dispatcher uses it to carry events off-process.
type Tap func(agentID string, e Event)

// Bus routes events to per-agent subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	tap    Tap
	buffer int
	closed bool
}

// NewBus creates an event bus. buffer <= 0 uses DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a stream for the agent. The caller must
// Unsubscribe when done or the subscription leaks.
func (b *Bus) Subscribe(agentID string) *Subscription {
	sub := &Subscription{
		agentID: agentID,
		ch:      make(chan Event, b.buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.subs[agentID] = append(b.subs[agentID], sub)
	total := b.total()
	b.mu.Unlock()

	metrics.ActiveEventSubscribers.Set(float64(total))
	return sub
}

// Unsubscribe removes the stream and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.agentID]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, sub.agentID)
	} else {
		b.subs[sub.agentID] = list
	}
	total := b.total()
	b.mu.Unlock()

	metrics.ActiveEventSubscribers.Set(float64(total))
}

// Publish delivers an event to every subscription of one agent. A full
// buffer drops the oldest buffered event and marks the stream lagging.
func (b *Bus) Publish(agentID string, e Event) {
	if agentID == "" {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(e.Kind)).Inc()
	if b.tap != nil {
		b.tap(agentID, e)
	}
	for _, sub := range b.subs[agentID] {
		select {
		case sub.ch <- e:
		default:
			// Drop the oldest so the stream carries the freshest state.
			select {
			case <-sub.ch:
			default:
			}
			sub.markLagging()
			metrics.EventsDroppedTotal.Inc()
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
}

// PublishMany delivers the same event to several agents.
func (b *Bus) PublishMany(agentIDs []string, e Event) {
	for _, id := range agentIDs {
		b.Publish(id, e)
	}
}

// SetTap installs the global event observer. Wire it before traffic
// starts; it is not synchronized against in-flight publishes.
func (b *Bus) SetTap(t Tap) {
	b.mu.Lock()
	b.tap = t
	b.mu.Unlock()
}

// Close shuts the bus down and closes all subscription channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for agentID, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
		delete(b.subs, agentID)
	}
	metrics.ActiveEventSubscribers.Set(0)
}

// total counts subscriptions. Caller holds b.mu.
func (b *Bus) total() int {
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	return n
}
