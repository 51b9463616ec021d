// Package reaper drives the time-based task transitions: blown delivery
// deadlines, lapsed review windows, match and verification timeouts, and
// posted-task expiry. Every transition is a conditional write, so a sweep
// racing a live operation loses cleanly and just skips the row.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/ledger"
	"github.com/anneschuth/pinchwork/internal/metrics"
	"github.com/anneschuth/pinchwork/internal/task"
)

// Settler settles delivered tasks the way a poster approval would.
// Satisfied by the lifecycle engine.
type Settler interface {
	AutoApprove(ctx context.Context, taskID string) error
	AutoApproveSystem(ctx context.Context, child *task.Task) error
}

// Delegator digests late system results and tears down moot children.
// Satisfied by the delegation service.
type Delegator interface {
	ProcessSystemResult(ctx context.Context, child *task.Task) error
	CancelChildren(ctx context.Context, parentID string) error
}

// Config carries the reaper knobs. Zero values fall back to the
// production defaults.
type Config struct {
	Interval      time.Duration // tick between sweep rounds
	BatchSize     int           // rows per sweep per tick
	TaskExpire    time.Duration // fresh claim deadline after a release
	MaxRejections int           // default rejections before terminal
	VerifyTimeout time.Duration // how long a verification may stay pending
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.TaskExpire <= 0 {
		c.TaskExpire = 72 * time.Hour
	}
	if c.MaxRejections <= 0 {
		c.MaxRejections = 3
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 120 * time.Second
	}
	return c
}

// Reaper is the background maintenance loop.
type Reaper struct {
	tasks    task.Store
	agents   agent.Store
	credits  *ledger.Service
	bus      *events.Bus
	settler  Settler
	delegate Delegator
	cfg      Config
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}

	// lastRound feeds the health check.
	lastRound atomic.Int64

	// now is replaceable in tests.
	now func() time.Time
}

// LastRound returns when the most recent sweep round finished, or the
// zero time before the first round.
func (r *Reaper) LastRound() time.Time {
	n := r.lastRound.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger sets the reaper logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// New creates a reaper. Start launches the loop; a Reaper is single-use.
func New(tasks task.Store, agents agent.Store, credits *ledger.Service, bus *events.Bus,
	settler Settler, delegate Delegator, cfg Config, opts ...Option) *Reaper {
	r := &Reaper{
		tasks:    tasks,
		agents:   agents,
		credits:  credits,
		bus:      bus,
		settler:  settler,
		delegate: delegate,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep loop in its own goroutine.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.RunOnce(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight round to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

// RunOnce executes every sweep a single time, in order.
func (r *Reaper) RunOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reaper panic", "panic", rec)
		}
	}()

	r.observe("claims", r.sweepOverdueClaims(ctx))
	r.observe("reviews", r.sweepReviewWindows(ctx))
	r.observe("matching", r.sweepMatchDeadlines(ctx))
	r.observe("system_reviews", r.sweepSystemReviews(ctx))
	r.observe("expiry", r.sweepPostedExpiry(ctx))
	r.observe("verification", r.sweepVerificationTimeouts(ctx))

	r.lastRound.Store(r.now().UnixNano())
}

func (r *Reaper) observe(sweep string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		r.logger.Error("reaper sweep failed", "sweep", sweep, "error", err)
	}
	metrics.ReaperSweepsTotal.WithLabelValues(sweep, result).Inc()
}

func (r *Reaper) reaped(sweep string) {
	metrics.ReaperTasksReapedTotal.WithLabelValues(sweep).Inc()
}

// sweepOverdueClaims handles claimed tasks past their delivery deadline.
// The deadline doubles as the redelivery grace after a rejection, so a
// task caught here with a spent rejection budget ends instead of going
// back to the pool.
func (r *Reaper) sweepOverdueClaims(ctx context.Context) error {
	now := r.now()
	overdue, err := r.tasks.ClaimedPastDeadline(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, t := range overdue {
		maxRej := r.cfg.MaxRejections
		if t.MaxRejections > 0 {
			maxRej = t.MaxRejections
		}
		if !t.IsSystem && t.RejectionCount >= maxRej {
			if err := r.tasks.Expire(ctx, t.ID); err != nil {
				r.skipRow("claims", t.ID, err)
				continue
			}
			if err := r.credits.RefundTask(ctx, t.PosterID, t.MaxCredits, t.ID); err != nil {
				r.logger.Error("refund expired task", "task_id", t.ID, "error", err)
			}
			r.recordAbandon(ctx, t.WorkerID, now)
			r.bus.Publish(t.PosterID, events.Event{Kind: events.TaskExpired, TaskID: t.ID})
			r.bus.Publish(t.WorkerID, events.Event{
				Kind: events.TaskCancelled, TaskID: t.ID,
				Data: map[string]any{"reason": "redelivery deadline passed"},
			})
			r.logger.Info("claimed task expired at rejection cap",
				"task_id", t.ID, "worker_id", t.WorkerID)
			r.reaped("claims")
			continue
		}

		if err := r.tasks.Release(ctx, t.ID, now.Add(r.cfg.TaskExpire)); err != nil {
			r.skipRow("claims", t.ID, err)
			continue
		}
		r.recordAbandon(ctx, t.WorkerID, now)
		r.bus.Publish(t.WorkerID, events.Event{
			Kind: events.TaskCancelled, TaskID: t.ID,
			Data: map[string]any{"reason": "delivery deadline passed"},
		})
		r.logger.Info("overdue claim released",
			"task_id", t.ID, "worker_id", t.WorkerID, "is_system", t.IsSystem)
		r.reaped("claims")
	}
	return nil
}

// sweepReviewWindows approves delivered tasks whose poster never answered.
func (r *Reaper) sweepReviewWindows(ctx context.Context) error {
	overdue, err := r.tasks.DeliveredPastReview(ctx, false, r.now(), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, t := range overdue {
		if err := r.settler.AutoApprove(ctx, t.ID); err != nil {
			r.skipRow("reviews", t.ID, err)
			continue
		}
		r.logger.Info("review window lapsed, auto-approved", "task_id", t.ID)
		r.reaped("reviews")
	}
	return nil
}

// sweepMatchDeadlines opens tasks to everyone when their match child
// never delivered, and cancels that child.
func (r *Reaper) sweepMatchDeadlines(ctx context.Context) error {
	stuck, err := r.tasks.PendingMatchPastDeadline(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, t := range stuck {
		if err := r.tasks.SetMatchStatus(ctx, t.ID, task.MatchPending, task.MatchBroadcast, nil); err != nil {
			r.skipRow("matching", t.ID, err)
			continue
		}
		if err := r.delegate.CancelChildren(ctx, t.ID); err != nil {
			r.logger.Warn("cancel match child", "task_id", t.ID, "error", err)
		}
		r.logger.Info("match deadline lapsed, broadcasting", "task_id", t.ID)
		r.reaped("matching")
	}
	return nil
}

// sweepSystemReviews settles delivered system children. Result processing
// normally happens inline at delivery; this retries it for children whose
// inline pass failed, then pays the infra agent.
func (r *Reaper) sweepSystemReviews(ctx context.Context) error {
	children, err := r.tasks.DeliveredPastReview(ctx, true, r.now(), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := r.delegate.ProcessSystemResult(ctx, c); err != nil {
			r.logger.Warn("reprocess system result", "child_id", c.ID, "error", err)
		}
		if err := r.settler.AutoApproveSystem(ctx, c); err != nil {
			r.skipRow("system_reviews", c.ID, err)
			continue
		}
		r.logger.Info("system child settled", "child_id", c.ID, "worker_id", c.WorkerID)
		r.reaped("system_reviews")
	}
	return nil
}

// sweepPostedExpiry ends tasks nobody claimed in time and refunds their
// escrow. System children carry no escrow.
func (r *Reaper) sweepPostedExpiry(ctx context.Context) error {
	stale, err := r.tasks.PostedPastExpiry(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, t := range stale {
		if err := r.tasks.Expire(ctx, t.ID); err != nil {
			r.skipRow("expiry", t.ID, err)
			continue
		}
		if !t.IsSystem {
			if err := r.credits.RefundTask(ctx, t.PosterID, t.MaxCredits, t.ID); err != nil {
				r.logger.Error("refund expired task", "task_id", t.ID, "error", err)
			}
		}
		r.bus.Publish(t.PosterID, events.Event{Kind: events.TaskExpired, TaskID: t.ID})
		if matches, merr := r.tasks.Matches(ctx, t.ID); merr == nil {
			for _, m := range matches {
				r.bus.Publish(m.AgentID, events.Event{Kind: events.TaskExpired, TaskID: t.ID})
			}
		}
		r.logger.Info("posted task expired", "task_id", t.ID, "is_system", t.IsSystem)
		r.reaped("expiry")
	}
	return nil
}

// sweepVerificationTimeouts clears verifications whose child never
// delivered so the parent falls back to its review window.
func (r *Reaper) sweepVerificationTimeouts(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.VerifyTimeout)
	stuck, err := r.tasks.DeliveredPastVerification(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, t := range stuck {
		if err := r.tasks.SetVerification(ctx, t.ID, task.VerifyPending, task.VerifyNone, ""); err != nil {
			r.skipRow("verification", t.ID, err)
			continue
		}
		if err := r.delegate.CancelChildren(ctx, t.ID); err != nil {
			r.logger.Warn("cancel verify child", "task_id", t.ID, "error", err)
		}
		r.logger.Info("verification timed out", "task_id", t.ID)
		r.reaped("verification")
	}
	return nil
}

func (r *Reaper) recordAbandon(ctx context.Context, workerID string, at time.Time) {
	if err := r.agents.RecordAbandon(ctx, workerID, at); err != nil {
		r.logger.Warn("record abandon", "agent_id", workerID, "error", err)
	}
}

// skipRow logs a row-level failure. Conflicts are routine: the row moved
// while the sweep held it, and the next tick sees the new state.
func (r *Reaper) skipRow(sweep, taskID string, err error) {
	if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrNotFound) {
		return
	}
	r.logger.Warn("reaper row skipped", "sweep", sweep, "task_id", taskID, "error", err)
}
