// Package circuitbreaker tracks consecutive failures per key and stops
// traffic to keys that keep failing. Circuits move closed -> open after a
// failure threshold, then open -> half-open after a cooldown, where a
// single probe decides between closing again and reopening.
//
// The webhook dispatcher keys circuits by agent so one dead endpoint
// cannot soak up delivery attempts.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the position of one circuit.
type State int

const (
	StateClosed   State = iota // traffic flows
	StateOpen                  // traffic rejected
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	onTransition func(key string, from, to State)
}

// New creates a breaker that opens a key after threshold consecutive
// failures and probes it again after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// OnTransition registers a callback fired on every state change. The
// callback runs on its own goroutine so it may take locks of its own.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether traffic to key may proceed. An open circuit past
// its cooldown flips to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.lastFailure) >= b.cooldown {
			b.transition(c, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// A probe is already out; hold everything else back.
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, key, StateClosed)
	}
	c.failures = 0
}

// RecordFailure extends the failure streak, tripping the circuit at the
// threshold. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}

	c.failures++
	c.lastFailure = time.Now()

	if c.state == StateHalfOpen {
		b.transition(c, key, StateOpen)
		return
	}
	if c.state == StateClosed && c.failures >= b.threshold {
		b.transition(c, key, StateOpen)
	}
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return StateClosed
	}
	return c.state
}

// Caller holds b.mu.
func (b *Breaker) transition(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
