package ledger

import (
	"context"
	"log/slog"

	"github.com/anneschuth/pinchwork/internal/metrics"
)

// Service wraps the store with fee math, logging, and metrics. All task
// settlement flows through here so the fee split lives in exactly one place.
type Service struct {
	store      Store
	feePercent int64
	platformID string
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a ledger service. feePercent is the platform's cut of
// every settled task, 0-100.
func NewService(store Store, feePercent int64, platformID string, opts ...Option) *Service {
	s := &Service{
		store:      store,
		feePercent: feePercent,
		platformID: platformID,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WorkerShare returns what the worker keeps of a charged amount, rounding
// down. The platform fee is the remainder, so the two always sum to charged.
func (s *Service) WorkerShare(charged int64) int64 {
	return charged * (100 - s.feePercent) / 100
}

// PlatformFee returns the platform's cut of a charged amount.
func (s *Service) PlatformFee(charged int64) int64 {
	return charged - s.WorkerShare(charged)
}

// HoldForTask escrows the task price from the poster.
func (s *Service) HoldForTask(ctx context.Context, posterID string, amount int64, taskID string) error {
	if err := s.store.Hold(ctx, posterID, amount, taskID); err != nil {
		return err
	}
	metrics.CreditsMovedTotal.WithLabelValues(ReasonEscrowHold).Add(float64(amount))
	s.logger.Info("escrow held", "agent_id", posterID, "task_id", taskID, "amount", amount)
	return nil
}

// RefundTask returns held escrow to the poster.
func (s *Service) RefundTask(ctx context.Context, posterID string, amount int64, taskID string) error {
	if err := s.store.Refund(ctx, posterID, amount, taskID); err != nil {
		return err
	}
	metrics.CreditsMovedTotal.WithLabelValues(ReasonEscrowRefund).Add(float64(amount))
	s.logger.Info("escrow refunded", "agent_id", posterID, "task_id", taskID, "amount", amount)
	return nil
}

// SettleTask pays the worker charged minus the platform fee and returns
// refund to the poster. charged+refund must equal what was held.
func (s *Service) SettleTask(ctx context.Context, posterID, workerID string, charged, refund int64, taskID string) error {
	fee := s.PlatformFee(charged)
	if err := s.store.Settle(ctx, posterID, workerID, s.platformID, charged, refund, fee, taskID); err != nil {
		return err
	}
	metrics.CreditsMovedTotal.WithLabelValues(ReasonPayment).Add(float64(charged - fee))
	if fee > 0 {
		metrics.CreditsMovedTotal.WithLabelValues(ReasonFee).Add(float64(fee))
	}
	s.logger.Info("task settled",
		"task_id", taskID,
		"poster_id", posterID,
		"worker_id", workerID,
		"charged", charged,
		"worker_share", charged-fee,
		"fee", fee,
		"refund", refund,
	)
	return nil
}

// SettleSystem pays an infra agent for a system task straight from the
// platform account, no escrow and no fee.
func (s *Service) SettleSystem(ctx context.Context, workerID string, amount int64, taskID string) error {
	if err := s.store.Pay(ctx, s.platformID, workerID, amount, taskID); err != nil {
		return err
	}
	metrics.CreditsMovedTotal.WithLabelValues(ReasonPayment).Add(float64(amount))
	s.logger.Info("system task settled", "task_id", taskID, "worker_id", workerID, "amount", amount)
	return nil
}

// Grant credits an agent out of thin air (admin).
func (s *Service) Grant(ctx context.Context, agentID string, amount int64, note string) error {
	if err := s.store.Grant(ctx, agentID, amount, note); err != nil {
		return err
	}
	metrics.CreditsMovedTotal.WithLabelValues(ReasonGrant).Add(float64(amount))
	s.logger.Info("credits granted", "agent_id", agentID, "amount", amount, "note", note)
	return nil
}

// Adjust applies a signed admin correction.
func (s *Service) Adjust(ctx context.Context, agentID string, amount int64, note string) error {
	if err := s.store.Adjust(ctx, agentID, amount, note); err != nil {
		return err
	}
	s.logger.Warn("balance adjusted", "agent_id", agentID, "amount", amount, "note", note)
	return nil
}

// History returns an agent's ledger page, newest first.
func (s *Service) History(ctx context.Context, agentID, cursor string, limit int) ([]*Entry, string, error) {
	return s.store.History(ctx, agentID, cursor, limit)
}
