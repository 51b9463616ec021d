package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/metrics"
	"github.com/anneschuth/pinchwork/internal/task"
)

// claimAttempts bounds the claim-retry loop. Losing a claim race re-runs
// the candidate query, which naturally skips the row that got away.
const claimAttempts = 10

// Pickup hands the agent the best available task and claims it in one
// call. Arbitration order: system children first for infra agents, then
// matched work by rank, then broadcast work oldest-first, then pending
// rows whose matching ran out of time.
func (e *Engine) Pickup(ctx context.Context, agentID string, tags []string) (*task.Task, error) {
	a, err := e.pickupActor(ctx, agentID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		t, err := e.nextCandidate(ctx, a, tags)
		if err != nil {
			return nil, err
		}
		err = e.claim(ctx, t, agentID)
		if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return e.tasks.Get(ctx, t.ID)
	}
	return nil, ErrNoTasks
}

// PickupSpecific claims the named task when the caller could have
// received it through Pickup: visible, still open, and clear of family
// conflicts.
func (e *Engine) PickupSpecific(ctx context.Context, agentID, taskID string) (*task.Task, error) {
	if _, err := e.pickupActor(ctx, agentID); err != nil {
		return nil, err
	}
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.IsSystem {
		// System children are handed out by Pickup only.
		return nil, task.ErrNotFound
	}
	if t.PosterID == agentID {
		return nil, task.ErrConflict
	}
	if t.Status != task.StatusPosted {
		return nil, task.ErrConflict
	}
	now := e.now()
	if t.ClaimDeadline != nil && !t.ClaimDeadline.After(now) {
		return nil, task.ErrConflict
	}
	switch t.MatchStatus {
	case task.MatchMatched:
		matches, err := e.tasks.Matches(ctx, taskID)
		if err != nil {
			return nil, err
		}
		listed := false
		for _, m := range matches {
			if m.AgentID == agentID {
				listed = true
				break
			}
		}
		if !listed {
			return nil, task.ErrConflict
		}
	case task.MatchPending:
		// Pending rows open up only after matching ran out of time.
		if t.MatchDeadline == nil || t.MatchDeadline.After(now) {
			return nil, task.ErrConflict
		}
	}
	conflicted, err := e.tasks.HasWorkedSystemChild(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}
	if conflicted {
		return nil, task.ErrConflict
	}

	if err := e.claim(ctx, t, agentID); err != nil {
		return nil, err
	}
	return e.tasks.Get(ctx, taskID)
}

// pickupActor checks the standing gates that apply to claiming work.
func (e *Engine) pickupActor(ctx context.Context, agentID string) (*agent.Agent, error) {
	a, err := e.actor(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.InCooldown(e.now(), e.cfg.MaxAbandons, e.cfg.AbandonCooldown) {
		return nil, ErrCooldown
	}
	return a, nil
}

func (e *Engine) nextCandidate(ctx context.Context, a *agent.Agent, tags []string) (*task.Task, error) {
	now := e.now()
	phases := make([]func() (*task.Task, error), 0, 4)
	if a.AcceptsSystemTasks {
		phases = append(phases, func() (*task.Task, error) {
			return e.tasks.NextSystemTask(ctx, a.ID, now)
		})
	}
	phases = append(phases,
		func() (*task.Task, error) { return e.tasks.NextMatched(ctx, a.ID, now) },
		func() (*task.Task, error) { return e.tasks.NextBroadcast(ctx, a.ID, tags, now) },
		func() (*task.Task, error) { return e.tasks.NextPendingExpired(ctx, a.ID, now) },
	)
	for _, next := range phases {
		t, err := next()
		if errors.Is(err, task.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, ErrNoTasks
}

// claim turns a candidate into this agent's claim and emits the claimed
// side effects. Stale match rows are dropped so the claim closes the
// matching funnel for good.
func (e *Engine) claim(ctx context.Context, t *task.Task, workerID string) error {
	now := e.now()
	deadline := now.Add(e.deliveryWindow(t))
	if err := e.tasks.Claim(ctx, t.ID, workerID, deadline, now); err != nil {
		return err
	}
	if err := e.tasks.ClearMatches(ctx, t.ID); err != nil {
		e.logger.Warn("clear matches", "task_id", t.ID, "error", err)
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusClaimed)).Inc()
	metrics.TaskTimeToClaim.Observe(now.Sub(t.CreatedAt).Seconds())
	e.logger.Info("task claimed",
		"task_id", t.ID,
		"worker_id", workerID,
		"is_system", t.IsSystem,
	)
	e.publish(t.PosterID, events.TaskClaimed, t.ID, map[string]any{
		"worker_id": workerID,
	})
	return nil
}

// deliveryWindow returns how long the worker has to deliver. System
// children inherit the processing timeouts so an orphaned claim recycles
// instead of hanging forever.
func (e *Engine) deliveryWindow(t *task.Task) time.Duration {
	if t.IsSystem {
		if t.SystemTaskType == task.SystemVerify {
			return e.cfg.VerifyTimeout
		}
		return e.cfg.MatchTimeout
	}
	if t.ClaimWindowSeconds > 0 {
		return time.Duration(t.ClaimWindowSeconds) * time.Second
	}
	return e.cfg.ClaimWindow
}
