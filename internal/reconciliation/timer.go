package reconciliation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// runner is the slice of Service the timer needs.
type runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Timer runs reconciliation on a fixed interval.
type Timer struct {
	svc      runner
	interval time.Duration
	logger   *slog.Logger

	stop    chan struct{}
	running atomic.Bool
}

// DefaultInterval is how often the books are checked when no interval
// is configured.
const DefaultInterval = 5 * time.Minute

// NewTimer creates a timer around svc. interval <= 0 uses DefaultInterval.
func NewTimer(svc runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		svc:      svc,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether Start's loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks, running reconciliation every interval until the context
// is cancelled or Stop is called. Call it from its own goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("reconciliation timer started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("reconciliation timer stopped", "reason", "context cancelled")
			return
		case <-t.stop:
			t.logger.Info("reconciliation timer stopped", "reason", "stop requested")
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation run panicked", "panic", r)
		}
	}()
	if _, err := t.svc.Run(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
