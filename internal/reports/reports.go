// Package reports collects abuse reports on tasks for admin review.
package reports

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anneschuth/pinchwork/internal/idgen"
	"github.com/anneschuth/pinchwork/internal/task"
	"github.com/anneschuth/pinchwork/internal/validation"
)

var (
	ErrNotFound        = errors.New("reports: not found")
	ErrNotParticipant  = errors.New("reports: only poster or worker may report")
	ErrAlreadyResolved = errors.New("reports: report already resolved")
	ErrBadStatus       = errors.New("reports: unknown resolution status")
)

// Status is the review state of a report.
type Status string

const (
	StatusOpen      Status = "open"
	StatusReviewed  Status = "reviewed"
	StatusDismissed Status = "dismissed"
)

// Report is one abuse report filed against a task.
type Report struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	ReporterID string    `json:"reporter_id"`
	Reason     string    `json:"reason"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter selects reports for the admin listing.
type Filter struct {
	Status Status
	Cursor string
	Limit  int
}

// Store persists reports.
type Store interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)

	// List pages reports newest-first.
	List(ctx context.Context, f Filter) ([]*Report, string, error)

	// Resolve is conditional: it fails with ErrAlreadyResolved when the
	// report is no longer open.
	Resolve(ctx context.Context, id string, to Status) error
}

// TaskSource reads tasks for permission checks. The task store satisfies
// this.
type TaskSource interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

// Service runs the reporting rules.
type Service struct {
	store  Store
	tasks  TaskSource
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a reports service.
func NewService(store Store, tasks TaskSource, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tasks:  tasks,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create files a report against a task. Only the task's poster or worker
// may report it.
func (s *Service) Create(ctx context.Context, reporterID, taskID, reason string) (*Report, error) {
	if errs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, validation.MaxFeedbackLength),
	); len(errs) > 0 {
		return nil, errs
	}

	t, err := s.tasks.Get(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if reporterID != t.PosterID && reporterID != t.WorkerID {
		return nil, ErrNotParticipant
	}

	r := &Report{
		ID:         idgen.Report(),
		TaskID:     taskID,
		ReporterID: reporterID,
		Reason:     reason,
		Status:     StatusOpen,
		CreatedAt:  s.now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Warn("task reported", "task_id", taskID, "report_id", r.ID, "reporter_id", reporterID)
	return r, nil
}

// List pages reports for the admin surface.
func (s *Service) List(ctx context.Context, f Filter) ([]*Report, string, error) {
	return s.store.List(ctx, f)
}

// Resolve closes an open report as reviewed or dismissed.
func (s *Service) Resolve(ctx context.Context, id string, to Status) (*Report, error) {
	if to != StatusReviewed && to != StatusDismissed {
		return nil, ErrBadStatus
	}
	if err := s.store.Resolve(ctx, id, to); err != nil {
		return nil, err
	}
	s.logger.Info("report resolved", "report_id", id, "status", to)
	return s.store.Get(ctx, id)
}
