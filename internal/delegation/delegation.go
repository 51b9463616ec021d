// Package delegation runs the marketplace's self-hosting loop: matching
// and verification are themselves tasks, posted by the platform agent and
// worked by infra agents. This service spawns those children, digests
// their results back onto the parent, and tears them down when the parent
// settles first.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/idgen"
	"github.com/anneschuth/pinchwork/internal/metrics"
	"github.com/anneschuth/pinchwork/internal/task"
)

// Approver settles a delivered task on the poster's behalf. Satisfied by
// the lifecycle engine; the indirection keeps the import pointing one way.
type Approver interface {
	AutoApprove(ctx context.Context, taskID string) error
}

// Config carries the delegation knobs. Zero values fall back to the
// production defaults.
type Config struct {
	MatchCredits     int64         // budget for a match child
	VerifyCredits    int64         // budget for a verify child
	MatchTimeout     time.Duration // how long a parent stays pending on its match child
	TaskExpire       time.Duration // claim deadline for spawned children
	MaxMatchedAgents int           // cap on ranked agents accepted from a match result
}

func (c Config) withDefaults() Config {
	if c.MatchCredits <= 0 {
		c.MatchCredits = 3
	}
	if c.VerifyCredits <= 0 {
		c.VerifyCredits = 5
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 120 * time.Second
	}
	if c.TaskExpire <= 0 {
		c.TaskExpire = 72 * time.Hour
	}
	if c.MaxMatchedAgents <= 0 {
		c.MaxMatchedAgents = 20
	}
	return c
}

// Service spawns and digests system tasks.
type Service struct {
	tasks    task.Store
	agents   agent.Store
	bus      *events.Bus
	approver Approver
	cfg      Config
	logger   *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a delegation service. The approver is wired
// afterwards with SetApprover because the engine needs this service first.
func NewService(tasks task.Store, agents agent.Store, bus *events.Bus, cfg Config, opts ...Option) *Service {
	s := &Service{
		tasks:  tasks,
		agents: agents,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetApprover wires the lifecycle engine in after construction.
func (s *Service) SetApprover(a Approver) {
	s.approver = a
}

// SpawnMatching posts a match child for a freshly created task. With no
// infra agents registered there is nobody to work it, so the parent opens
// to everyone immediately instead of stalling until the match deadline.
func (s *Service) SpawnMatching(ctx context.Context, parent *task.Task) error {
	n, err := s.agents.CountInfraAgents(ctx)
	if err != nil {
		return fmt.Errorf("count infra agents: %w", err)
	}
	if n == 0 {
		return s.tasks.SetMatchStatus(ctx, parent.ID, task.MatchNone, task.MatchBroadcast, nil)
	}

	roster, err := s.roster(ctx)
	if err != nil {
		return err
	}

	// Parent goes pending first. If the child insert below fails the
	// deadline still lapses and the task falls back to broadcast.
	now := s.now()
	deadline := now.Add(s.cfg.MatchTimeout)
	if err := s.tasks.SetMatchStatus(ctx, parent.ID, task.MatchNone, task.MatchPending, &deadline); err != nil {
		return err
	}

	child := &task.Task{
		ID:             idgen.Task(),
		PosterID:       agent.PlatformID,
		Need:           matchNeed(parent, roster),
		MaxCredits:     s.cfg.MatchCredits,
		IsSystem:       true,
		SystemTaskType: task.SystemMatch,
		ParentTaskID:   parent.ID,
		ClaimDeadline:  timePtr(now.Add(s.cfg.TaskExpire)),
		CreatedAt:      now,
	}
	if err := s.tasks.Create(ctx, child); err != nil {
		return fmt.Errorf("create match child: %w", err)
	}

	metrics.SystemTasksTotal.WithLabelValues(task.SystemMatch).Inc()
	s.logger.Info("match child spawned",
		"task_id", parent.ID,
		"child_id", child.ID,
		"candidates", len(roster),
	)
	return nil
}

// SpawnVerification posts a verify child for a delivered task. Without
// infra agents the delivery just rides its review deadline.
func (s *Service) SpawnVerification(ctx context.Context, parent *task.Task) error {
	if parent.IsSystem {
		return nil
	}
	n, err := s.agents.CountInfraAgents(ctx)
	if err != nil {
		return fmt.Errorf("count infra agents: %w", err)
	}
	if n == 0 {
		return nil
	}

	if err := s.tasks.SetVerification(ctx, parent.ID, task.VerifyNone, task.VerifyPending, ""); err != nil {
		return err
	}

	now := s.now()
	child := &task.Task{
		ID:             idgen.Task(),
		PosterID:       agent.PlatformID,
		Need:           verifyNeed(parent),
		MaxCredits:     s.cfg.VerifyCredits,
		IsSystem:       true,
		SystemTaskType: task.SystemVerify,
		ParentTaskID:   parent.ID,
		ClaimDeadline:  timePtr(now.Add(s.cfg.TaskExpire)),
		CreatedAt:      now,
	}
	if err := s.tasks.Create(ctx, child); err != nil {
		return fmt.Errorf("create verify child: %w", err)
	}

	metrics.SystemTasksTotal.WithLabelValues(task.SystemVerify).Inc()
	s.logger.Info("verify child spawned", "task_id", parent.ID, "child_id", child.ID)
	return nil
}

// CancelChildren cancels any still-open system children of a settled
// parent so infra agents stop working moot questions.
func (s *Service) CancelChildren(ctx context.Context, parentID string) error {
	children, err := s.tasks.SystemChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Status != task.StatusPosted && c.Status != task.StatusClaimed {
			continue
		}
		if err := s.tasks.CancelOpen(ctx, c.ID); err != nil {
			// Conflict means the child settled while we looked at it.
			if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
				continue
			}
			s.logger.Warn("cancel system child", "child_id", c.ID, "error", err)
		}
	}
	return nil
}

// roster lists the agents a match child can choose from: everyone who
// declared capabilities, minus the platform and the suspended.
func (s *Service) roster(ctx context.Context) ([]rosterEntry, error) {
	notSuspended := false
	all, err := s.agents.List(ctx, agent.Filter{Suspended: &notSuspended, Limit: 200})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	roster := make([]rosterEntry, 0, len(all))
	for _, a := range all {
		if a.IsPlatform() || a.Capabilities == "" {
			continue
		}
		roster = append(roster, rosterEntry{ID: a.ID, Capabilities: a.Capabilities})
	}
	return roster, nil
}

type rosterEntry struct {
	ID           string `json:"id"`
	Capabilities string `json:"capabilities"`
}

func matchNeed(parent *task.Task, roster []rosterEntry) string {
	payload, _ := json.Marshal(roster)

	var b strings.Builder
	fmt.Fprintf(&b, "Match agents for: %s\n", parent.Need)
	if parent.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", parent.Context)
	}
	if len(parent.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(parent.Tags, ", "))
	}
	fmt.Fprintf(&b, "\nAvailable agents:\n%s\n\n", payload)
	b.WriteString(`Return JSON: {"ranked_agents": ["agent_id_1", "agent_id_2", ...]}`)
	return b.String()
}

func verifyNeed(parent *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verify completion. Task need: %s\n", parent.Need)
	if parent.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", parent.Context)
	}
	fmt.Fprintf(&b, "Delivery: %s\n\n", parent.Result)
	b.WriteString(`Return JSON: {"meets_requirements": true/false, "explanation": "..."}`)
	return b.String()
}

func timePtr(t time.Time) *time.Time {
	return &t
}
