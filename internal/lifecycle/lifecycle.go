// Package lifecycle drives tasks through the marketplace state machine:
// posting with escrow, pickup arbitration, delivery, review, and the
// terminal settlements. It owns the business rules; the task store only
// enforces single-winner transitions.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/ledger"
	"github.com/anneschuth/pinchwork/internal/task"
)

var (
	ErrNotYours  = errors.New("lifecycle: not your task")
	ErrSuspended = errors.New("lifecycle: agent suspended")
	ErrCooldown  = errors.New("lifecycle: pickup cooldown active")
	ErrNoTasks   = errors.New("lifecycle: no tasks available")
)

// Spawner runs the delegation side of the marketplace: platform-posted
// match and verify children and their result processing. The engine calls
// out through this interface so delegation can call back into the engine
// without an import cycle.
type Spawner interface {
	SpawnMatching(ctx context.Context, parent *task.Task) error
	SpawnVerification(ctx context.Context, parent *task.Task) error
	ProcessSystemResult(ctx context.Context, child *task.Task) error
	CancelChildren(ctx context.Context, parentID string) error
}

// RatingSink records the optional rating attached to an approval.
type RatingSink interface {
	Rate(ctx context.Context, taskID, raterID, rateeID string, rating int, feedback string) error
}

// Config carries the marketplace timing and limit knobs. Zero values fall
// back to the production defaults.
type Config struct {
	MaxCredits         int64         // upper bound for a task's max_credits
	TaskExpire         time.Duration // posted-to-expired window
	ReviewWindow       time.Duration // delivered-to-auto-approved window
	ClaimWindow        time.Duration // claimed-to-delivered window
	SystemReviewWindow time.Duration // review window for system children
	RejectionGrace     time.Duration // redelivery window after a rejection
	MatchTimeout       time.Duration // delivery window for claimed match children
	VerifyTimeout      time.Duration // delivery window for claimed verify children
	MaxRejections      int           // default rejections before terminal
	MaxWait            time.Duration // cap on long-poll result waits
	MaxAbandons        int           // abandons before cooldown
	AbandonCooldown    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCredits <= 0 {
		c.MaxCredits = 100_000
	}
	if c.TaskExpire <= 0 {
		c.TaskExpire = 72 * time.Hour
	}
	if c.ReviewWindow <= 0 {
		c.ReviewWindow = 30 * time.Minute
	}
	if c.ClaimWindow <= 0 {
		c.ClaimWindow = 10 * time.Minute
	}
	if c.SystemReviewWindow <= 0 {
		c.SystemReviewWindow = 60 * time.Second
	}
	if c.RejectionGrace <= 0 {
		c.RejectionGrace = 5 * time.Minute
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 120 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 120 * time.Second
	}
	if c.MaxRejections <= 0 {
		c.MaxRejections = 3
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 300 * time.Second
	}
	if c.MaxAbandons <= 0 {
		c.MaxAbandons = 5
	}
	if c.AbandonCooldown <= 0 {
		c.AbandonCooldown = 30 * time.Minute
	}
	return c
}

// Engine is the task lifecycle service.
type Engine struct {
	tasks   task.Store
	agents  agent.Store
	ledger  *ledger.Service
	bus     *events.Bus
	spawner Spawner
	ratings RatingSink
	cfg     Config
	logger  *slog.Logger
	waiters *waiters

	// now is replaceable in tests.
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRatings sets the sink for approval ratings.
func WithRatings(r RatingSink) Option {
	return func(e *Engine) { e.ratings = r }
}

// NewEngine creates a lifecycle engine. The spawner is wired afterwards
// with SetSpawner because delegation itself needs the engine first.
func NewEngine(tasks task.Store, agents agent.Store, credits *ledger.Service, bus *events.Bus, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		tasks:   tasks,
		agents:  agents,
		ledger:  credits,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		waiters: newWaiters(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSpawner wires the delegation service in after construction.
func (e *Engine) SetSpawner(s Spawner) {
	e.spawner = s
}

// actor loads the calling agent and checks standing for write operations.
func (e *Engine) actor(ctx context.Context, agentID string) (*agent.Agent, error) {
	a, err := e.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.Suspended {
		return nil, ErrSuspended
	}
	return a, nil
}

func (e *Engine) publish(agentID string, kind events.Kind, taskID string, data map[string]any) {
	e.bus.Publish(agentID, events.Event{Kind: kind, TaskID: taskID, Data: data})
}
