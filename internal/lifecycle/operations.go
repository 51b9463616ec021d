package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/idgen"
	"github.com/anneschuth/pinchwork/internal/metrics"
	"github.com/anneschuth/pinchwork/internal/task"
	"github.com/anneschuth/pinchwork/internal/validation"
)

// CreateRequest is a new task posting.
type CreateRequest struct {
	Need                string   `json:"need"`
	Context             string   `json:"context,omitempty"`
	MaxCredits          int64    `json:"max_credits"`
	Tags                []string `json:"tags,omitempty"`
	ReviewWindowSeconds int      `json:"review_window_seconds,omitempty"`
	ClaimWindowSeconds  int      `json:"claim_window_seconds,omitempty"`
	MaxRejections       int      `json:"max_rejections,omitempty"`
}

// DeliverRequest is a worker's delivery. A nil CreditsClaimed charges the
// full escrowed maximum.
type DeliverRequest struct {
	Result         string `json:"result"`
	CreditsClaimed *int64 `json:"credits_claimed,omitempty"`
}

// Create validates the posting, escrows max_credits from the poster, and
// hands the new task to the spawner for matching. The escrow hold comes
// first: a task row must never exist without its funding.
func (e *Engine) Create(ctx context.Context, posterID string, req CreateRequest) (*task.Task, error) {
	if err := validateCreate(req, e.cfg.MaxCredits); err != nil {
		return nil, err
	}
	if _, err := e.actor(ctx, posterID); err != nil {
		return nil, err
	}

	now := e.now()
	claimBy := now.Add(e.cfg.TaskExpire)
	t := &task.Task{
		ID:                  idgen.Task(),
		PosterID:            posterID,
		Need:                validation.SanitizeString(req.Need, validation.MaxNeedLength),
		Context:             validation.SanitizeString(req.Context, validation.MaxContextLength),
		MaxCredits:          req.MaxCredits,
		Tags:                req.Tags,
		ReviewWindowSeconds: req.ReviewWindowSeconds,
		ClaimWindowSeconds:  req.ClaimWindowSeconds,
		MaxRejections:       req.MaxRejections,
		ClaimDeadline:       &claimBy,
		CreatedAt:           now,
	}

	if err := e.ledger.HoldForTask(ctx, posterID, t.MaxCredits, t.ID); err != nil {
		return nil, err
	}
	if err := e.tasks.Create(ctx, t); err != nil {
		if rerr := e.ledger.RefundTask(ctx, posterID, t.MaxCredits, t.ID); rerr != nil {
			e.logger.Error("refund after failed create", "task_id", t.ID, "error", rerr)
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := e.agents.IncrementTasksPosted(ctx, posterID); err != nil {
		e.logger.Warn("increment tasks_posted", "agent_id", posterID, "error", err)
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusPosted)).Inc()
	e.logger.Info("task posted",
		"task_id", t.ID,
		"poster_id", posterID,
		"max_credits", t.MaxCredits,
		"tags", t.Tags,
	)

	if e.spawner != nil {
		if err := e.spawner.SpawnMatching(ctx, t); err != nil {
			e.logger.Error("spawn matching", "task_id", t.ID, "error", err)
		}
	}
	return e.tasks.Get(ctx, t.ID)
}

func validateCreate(req CreateRequest, maxCredits int64) error {
	if err := validation.Validate(
		validation.Required("need", req.Need),
		validation.MaxLength("need", req.Need, validation.MaxNeedLength),
		validation.MaxLength("context", req.Context, validation.MaxContextLength),
		validation.IntRange("max_credits", req.MaxCredits, 1, maxCredits),
	); err != nil {
		return err
	}
	if len(req.Tags) > validation.MaxTags {
		return &validation.ValidationError{Field: "tags", Message: "too many tags"}
	}
	for _, tag := range req.Tags {
		if !validation.IsValidTag(tag) {
			return &validation.ValidationError{Field: "tags", Message: "invalid tag: " + tag}
		}
	}
	if req.ReviewWindowSeconds != 0 {
		if err := validation.Validate(
			validation.IntRange("review_window_seconds", int64(req.ReviewWindowSeconds), 60, 86400),
		); err != nil {
			return err
		}
	}
	if req.ClaimWindowSeconds != 0 {
		if err := validation.Validate(
			validation.IntRange("claim_window_seconds", int64(req.ClaimWindowSeconds), 60, 86400),
		); err != nil {
			return err
		}
	}
	if req.MaxRejections != 0 {
		if err := validation.Validate(
			validation.IntRange("max_rejections", int64(req.MaxRejections), 1, 10),
		); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the task to its poster or worker. Everyone else gets the
// same not-found as a missing task, so task IDs cannot be probed.
func (e *Engine) Get(ctx context.Context, agentID, taskID string) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != agentID && t.WorkerID != agentID {
		return nil, task.ErrNotFound
	}
	return t, nil
}

// WaitForResult blocks until the task is delivered or terminal, the wait
// budget runs out, or ctx is cancelled. All three return the latest
// snapshot; callers inspect the status.
func (e *Engine) WaitForResult(ctx context.Context, agentID, taskID string, wait time.Duration) (*task.Task, error) {
	if wait > e.cfg.MaxWait {
		wait = e.cfg.MaxWait
	}
	t, err := e.Get(ctx, agentID, taskID)
	if err != nil {
		return nil, err
	}
	deadline := e.now().Add(wait)

	metrics.ActiveResultWaiters.Inc()
	defer metrics.ActiveResultWaiters.Dec()

	for {
		if t.Status == task.StatusDelivered || t.Status.Terminal() {
			return t, nil
		}
		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return t, nil
		}

		woken := e.waiters.await(taskID)
		// Re-read after registering so a transition in between is not
		// missed; wake the entry back if the task already finished.
		if t, err = e.tasks.Get(ctx, taskID); err != nil {
			return nil, err
		}
		if t.Status == task.StatusDelivered || t.Status.Terminal() {
			e.waiters.wake(taskID)
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-woken:
		case <-time.After(remaining):
		}
		if t, err = e.tasks.Get(ctx, taskID); err != nil {
			return nil, err
		}
	}
}

// Mine lists the caller's tasks. role narrows to "posted" or "worked";
// anything else returns both sides. System children the caller worked or
// posted are included.
func (e *Engine) Mine(ctx context.Context, agentID, role string, status task.Status, cursor string, limit int) ([]*task.Task, string, error) {
	f := task.Filter{
		Status:        status,
		Cursor:        cursor,
		Limit:         limit,
		IncludeSystem: true,
	}
	switch role {
	case "posted":
		f.PosterID = agentID
	case "worked":
		f.WorkerID = agentID
	default:
		f.PosterID = agentID
		f.WorkerID = agentID
	}
	return e.tasks.List(ctx, f)
}

// Available pages the open tasks the agent could claim right now.
func (e *Engine) Available(ctx context.Context, agentID string, f task.AvailableFilter) ([]*task.Task, string, error) {
	return e.tasks.Available(ctx, agentID, f, e.now())
}

// Deliver records the worker's result. The charge defaults to the full
// escrow and is clamped to it; the poster's review window starts now.
func (e *Engine) Deliver(ctx context.Context, workerID, taskID string, req DeliverRequest) (*task.Task, error) {
	if err := validation.Validate(
		validation.Required("result", req.Result),
		validation.MaxLength("result", req.Result, validation.MaxResultLength),
	); err != nil {
		return nil, err
	}
	if req.CreditsClaimed != nil && *req.CreditsClaimed < 0 {
		return nil, &validation.ValidationError{Field: "credits_claimed", Message: "out of range"}
	}
	if _, err := e.actor(ctx, workerID); err != nil {
		return nil, err
	}

	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.WorkerID != workerID {
		return nil, ErrNotYours
	}
	if t.Status != task.StatusClaimed {
		return nil, task.ErrConflict
	}

	charged := t.MaxCredits
	if req.CreditsClaimed != nil && *req.CreditsClaimed < charged {
		charged = *req.CreditsClaimed
	}
	review := e.cfg.ReviewWindow
	if t.IsSystem {
		review = e.cfg.SystemReviewWindow
	} else if t.ReviewWindowSeconds > 0 {
		review = time.Duration(t.ReviewWindowSeconds) * time.Second
	}

	now := e.now()
	result := validation.SanitizeString(req.Result, validation.MaxResultLength)
	if err := e.tasks.Deliver(ctx, taskID, workerID, result, charged, now.Add(review), now); err != nil {
		return nil, err
	}

	metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusDelivered)).Inc()
	if t.ClaimedAt != nil {
		metrics.TaskTimeToDeliver.Observe(now.Sub(*t.ClaimedAt).Seconds())
	}
	e.logger.Info("task delivered",
		"task_id", taskID,
		"worker_id", workerID,
		"credits_claimed", charged,
		"is_system", t.IsSystem,
	)

	e.publish(t.PosterID, events.TaskDelivered, taskID, map[string]any{
		"worker_id":       workerID,
		"credits_claimed": charged,
	})
	e.waiters.wake(taskID)

	if t.IsSystem {
		e.finishSystemDelivery(ctx, taskID)
	} else if e.spawner != nil {
		// The spawner needs the delivered row: the verification child
		// embeds the result text.
		delivered, err := e.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := e.spawner.SpawnVerification(ctx, delivered); err != nil {
			e.logger.Error("spawn verification", "task_id", taskID, "error", err)
		}
	}
	return e.tasks.Get(ctx, taskID)
}

// finishSystemDelivery feeds a delivered match or verify child through the
// spawner and pays the infra agent. When the payment fails here the reaper
// retries it on its system-review sweep.
func (e *Engine) finishSystemDelivery(ctx context.Context, childID string) {
	child, err := e.tasks.Get(ctx, childID)
	if err != nil {
		e.logger.Error("load delivered system task", "task_id", childID, "error", err)
		return
	}
	if e.spawner != nil {
		if err := e.spawner.ProcessSystemResult(ctx, child); err != nil {
			e.logger.Error("process system result", "task_id", childID, "error", err)
			return
		}
	}
	if err := e.AutoApproveSystem(ctx, child); err != nil {
		e.logger.Error("auto-approve system task", "task_id", childID, "error", err)
	}
}

// Approve settles a delivered task on the poster's say-so. An optional
// rating (1-5) lands on the worker's reputation.
func (e *Engine) Approve(ctx context.Context, posterID, taskID string, rating int, feedback string) (*task.Task, error) {
	if rating != 0 {
		if err := validation.Validate(
			validation.IntRange("rating", int64(rating), 1, 5),
		); err != nil {
			return nil, err
		}
	}
	if err := validation.Validate(
		validation.MaxLength("feedback", feedback, validation.MaxFeedbackLength),
	); err != nil {
		return nil, err
	}
	if _, err := e.actor(ctx, posterID); err != nil {
		return nil, err
	}

	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != posterID {
		return nil, ErrNotYours
	}
	if t.Status != task.StatusDelivered {
		return nil, task.ErrConflict
	}

	if err := e.settleApproval(ctx, t); err != nil {
		return nil, err
	}

	if rating != 0 && e.ratings != nil {
		feedback = validation.SanitizeString(feedback, validation.MaxFeedbackLength)
		if err := e.ratings.Rate(ctx, taskID, posterID, t.WorkerID, rating, feedback); err != nil {
			e.logger.Warn("record rating", "task_id", taskID, "error", err)
		}
	}
	return e.tasks.Get(ctx, taskID)
}

// settleApproval flips a delivered task to approved and settles the
// escrow: worker paid minus the platform fee, the unspent remainder back
// to the poster. The status write wins the race; a settlement failure
// after it is logged loudly and surfaces in reconciliation.
func (e *Engine) settleApproval(ctx context.Context, t *task.Task) error {
	if err := e.tasks.Approve(ctx, t.ID, e.now()); err != nil {
		return err
	}
	charged := t.Charged()
	refund := t.MaxCredits - charged
	if err := e.ledger.SettleTask(ctx, t.PosterID, t.WorkerID, charged, refund, t.ID); err != nil {
		e.logger.Error("settle approved task", "task_id", t.ID, "error", err)
		return err
	}
	if err := e.agents.IncrementTasksCompleted(ctx, t.WorkerID); err != nil {
		e.logger.Warn("increment tasks_completed", "agent_id", t.WorkerID, "error", err)
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusApproved)).Inc()
	e.logger.Info("task approved",
		"task_id", t.ID,
		"worker_id", t.WorkerID,
		"credits_charged", charged,
	)

	e.bus.PublishMany([]string{t.PosterID, t.WorkerID}, events.Event{
		Kind:   events.TaskApproved,
		TaskID: t.ID,
		Data: map[string]any{
			"credits_charged": charged,
			"worker_share":    e.ledger.WorkerShare(charged),
		},
	})
	e.waiters.wake(t.ID)
	return nil
}

// AutoApprove settles a delivered task without a poster action: review
// deadline lapse and passed verification both land here.
func (e *Engine) AutoApprove(ctx context.Context, taskID string) error {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusDelivered {
		return task.ErrConflict
	}
	return e.settleApproval(ctx, t)
}

// AutoApproveSystem settles a delivered system child: the platform pays
// the infra agent directly, no escrow and no fee.
func (e *Engine) AutoApproveSystem(ctx context.Context, child *task.Task) error {
	if err := e.tasks.Approve(ctx, child.ID, e.now()); err != nil {
		return err
	}
	if err := e.ledger.SettleSystem(ctx, child.WorkerID, child.Charged(), child.ID); err != nil {
		e.logger.Error("settle system task", "task_id", child.ID, "error", err)
		return err
	}
	if err := e.agents.IncrementTasksCompleted(ctx, child.WorkerID); err != nil {
		e.logger.Warn("increment tasks_completed", "agent_id", child.WorkerID, "error", err)
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusApproved)).Inc()
	e.waiters.wake(child.ID)
	return nil
}

// Reject sends a delivered task back to the worker, or ends it once the
// rejection budget is spent. A terminal rejection refunds the full escrow
// and keeps the worker on the task record.
func (e *Engine) Reject(ctx context.Context, posterID, taskID, reason string) (*task.Task, error) {
	if err := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, validation.MaxFeedbackLength),
	); err != nil {
		return nil, err
	}
	if _, err := e.actor(ctx, posterID); err != nil {
		return nil, err
	}

	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != posterID {
		return nil, ErrNotYours
	}
	if t.Status != task.StatusDelivered {
		return nil, task.ErrConflict
	}

	reason = validation.SanitizeString(reason, validation.MaxFeedbackLength)
	maxRej := e.cfg.MaxRejections
	if t.MaxRejections > 0 {
		maxRej = t.MaxRejections
	}

	if t.RejectionCount+1 >= maxRej {
		if err := e.tasks.RejectFinal(ctx, taskID, reason); err != nil {
			return nil, err
		}
		if err := e.ledger.RefundTask(ctx, posterID, t.MaxCredits, taskID); err != nil {
			e.logger.Error("refund rejected task", "task_id", taskID, "error", err)
		}
		metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusRejected)).Inc()
		e.logger.Info("task rejected",
			"task_id", taskID,
			"rejection_count", t.RejectionCount+1,
			"final", true,
		)
		e.publish(t.WorkerID, events.TaskRejected, taskID, map[string]any{
			"reason":          reason,
			"rejection_count": t.RejectionCount + 1,
			"final":           true,
		})
		e.waiters.wake(taskID)
	} else {
		grace := e.now().Add(e.cfg.RejectionGrace)
		if err := e.tasks.RejectRetry(ctx, taskID, reason, grace); err != nil {
			return nil, err
		}
		e.logger.Info("task rejected",
			"task_id", taskID,
			"rejection_count", t.RejectionCount+1,
			"final", false,
		)
		e.publish(t.WorkerID, events.TaskRejected, taskID, map[string]any{
			"reason":          reason,
			"rejection_count": t.RejectionCount + 1,
			"final":           false,
			"redeliver_by":    grace.UTC().Format(time.RFC3339),
		})
	}

	// A rejection makes any in-flight verification child moot: it is
	// judging a result that no longer stands.
	if e.spawner != nil {
		if err := e.spawner.CancelChildren(ctx, taskID); err != nil {
			e.logger.Warn("cancel children", "task_id", taskID, "error", err)
		}
	}
	return e.tasks.Get(ctx, taskID)
}

// Cancel withdraws a still-posted task, refunds the escrow, and tears
// down any open system children. Claimed or delivered tasks cannot be
// cancelled out from under their worker.
func (e *Engine) Cancel(ctx context.Context, posterID, taskID string) (*task.Task, error) {
	if _, err := e.actor(ctx, posterID); err != nil {
		return nil, err
	}
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != posterID {
		return nil, ErrNotYours
	}

	if err := e.tasks.Cancel(ctx, taskID); err != nil {
		return nil, err
	}
	if err := e.ledger.RefundTask(ctx, posterID, t.MaxCredits, taskID); err != nil {
		e.logger.Error("refund cancelled task", "task_id", taskID, "error", err)
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(task.StatusCancelled)).Inc()
	e.logger.Info("task cancelled", "task_id", taskID, "poster_id", posterID)

	if matches, err := e.tasks.Matches(ctx, taskID); err == nil {
		for _, m := range matches {
			e.publish(m.AgentID, events.TaskCancelled, taskID, map[string]any{
				"reason": "cancelled by poster",
			})
		}
	}
	if e.spawner != nil {
		if err := e.spawner.CancelChildren(ctx, taskID); err != nil {
			e.logger.Warn("cancel children", "task_id", taskID, "error", err)
		}
	}
	e.waiters.wake(taskID)
	return e.tasks.Get(ctx, taskID)
}

// Abandon releases the worker's claim back to the open market and counts
// against the worker's standing. Repeated abandons trigger the pickup
// cooldown.
func (e *Engine) Abandon(ctx context.Context, workerID, taskID string) (*task.Task, error) {
	if _, err := e.actor(ctx, workerID); err != nil {
		return nil, err
	}
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.WorkerID != workerID {
		return nil, ErrNotYours
	}
	if t.Status != task.StatusClaimed {
		return nil, task.ErrConflict
	}

	now := e.now()
	if err := e.tasks.Release(ctx, taskID, now.Add(e.cfg.TaskExpire)); err != nil {
		return nil, err
	}
	if err := e.agents.RecordAbandon(ctx, workerID, now); err != nil {
		e.logger.Warn("record abandon", "agent_id", workerID, "error", err)
	}
	e.logger.Info("task abandoned", "task_id", taskID, "worker_id", workerID)
	return e.tasks.Get(ctx, taskID)
}
