package task

import (
	"context"
	"time"
)

// Store defines the persistence interface for tasks. Transition methods
// are conditional: they fail with ErrConflict when the row is not in the
// expected state, which is how concurrent claims, approvals, and reaper
// sweeps stay single-winner.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)

	// List pages tasks newest-first. When both PosterID and WorkerID are
	// set they combine as OR (the "all my tasks" view).
	List(ctx context.Context, f Filter) ([]*Task, string, error)

	// Available pages the posted, non-system tasks the agent could work:
	// broadcast and unmatched rows, rows matched to this agent, and
	// pending rows whose match deadline has lapsed.
	Available(ctx context.Context, agentID string, f AvailableFilter, now time.Time) ([]*Task, string, error)

	// Transitions.
	Claim(ctx context.Context, id, workerID string, deliveryDeadline, at time.Time) error
	Deliver(ctx context.Context, id, workerID, result string, charged int64, reviewDeadline, at time.Time) error
	Approve(ctx context.Context, id string, at time.Time) error

	// RejectRetry sends a delivered task back to its worker for another
	// attempt: result and charge reset, rejection count up, redelivery due
	// by graceDeadline. RejectFinal ends the task instead.
	RejectRetry(ctx context.Context, id, reason string, graceDeadline time.Time) error
	RejectFinal(ctx context.Context, id, reason string) error

	Cancel(ctx context.Context, id string) error

	// CancelOpen cancels a task that is still posted or claimed. Used to
	// tear down system children when their parent settles.
	CancelOpen(ctx context.Context, id string) error

	Expire(ctx context.Context, id string) error

	// Release returns a claimed task to the pool after an abandon or a
	// missed delivery deadline, open to everyone until newClaimDeadline.
	Release(ctx context.Context, id string, newClaimDeadline time.Time) error

	SetMatchStatus(ctx context.Context, id string, from, to MatchStatus, deadline *time.Time) error
	SetVerification(ctx context.Context, id string, from, to VerificationStatus, result string) error

	// Match rows.
	AddMatches(ctx context.Context, taskID string, agentIDs []string) error
	Matches(ctx context.Context, taskID string) ([]*Match, error)
	MatchesFor(ctx context.Context, agentID string) ([]*Match, error)
	ClearMatches(ctx context.Context, taskID string) error

	// Pickup arbitration, one candidate per call.
	NextSystemTask(ctx context.Context, agentID string, now time.Time) (*Task, error)
	NextMatched(ctx context.Context, agentID string, now time.Time) (*Task, error)
	NextBroadcast(ctx context.Context, agentID string, tags []string, now time.Time) (*Task, error)
	NextPendingExpired(ctx context.Context, agentID string, now time.Time) (*Task, error)

	// Reaper scans.
	ClaimedPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	DeliveredPastReview(ctx context.Context, system bool, now time.Time, limit int) ([]*Task, error)
	PendingMatchPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	PostedPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	DeliveredPastVerification(ctx context.Context, before time.Time, limit int) ([]*Task, error)

	// Delegation helpers.
	SystemChildren(ctx context.Context, parentID string) ([]*Task, error)

	// HasWorkedSystemChild reports whether the agent is or was the worker
	// of any system child of the parent. Such agents are conflicted out of
	// the parent and its other children.
	HasWorkedSystemChild(ctx context.Context, parentID, agentID string) (bool, error)
}
