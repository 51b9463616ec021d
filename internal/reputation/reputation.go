// Package reputation records task ratings and keeps each agent's mean
// score on their profile. Ratings run both ways on an approved task:
// the poster rates the worker as part of approval, the worker rates the
// poster afterwards. Each direction is written at most once.
package reputation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/anneschuth/pinchwork/internal/task"
	"github.com/anneschuth/pinchwork/internal/validation"
)

var (
	ErrNotFound     = errors.New("reputation: task not found")
	ErrAlreadyRated = errors.New("reputation: already rated")
	ErrNotApproved  = errors.New("reputation: task not approved")
	ErrNotYours     = errors.New("reputation: not your task")
)

// Rating is one agent's 1-5 score of the other party on a task. The
// (TaskID, RaterID) pair is unique.
type Rating struct {
	TaskID    string    `json:"task_id"`
	RaterID   string    `json:"rater_id"`
	RateeID   string    `json:"ratee_id"`
	Score     int       `json:"score"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists ratings.
type Store interface {
	// Create fails with ErrAlreadyRated when this rater already rated
	// this task.
	Create(ctx context.Context, r *Rating) error

	// MeanFor returns the mean received score and the rating count.
	MeanFor(ctx context.Context, agentID string) (float64, int, error)
}

// TaskSource reads tasks for permission checks. The task store satisfies
// this.
type TaskSource interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

// ProfileSink pushes recomputed reputation onto the agent record. The
// agent store satisfies this.
type ProfileSink interface {
	UpdateReputation(ctx context.Context, id string, mean float64, count int) error
}

// Service records ratings and keeps profiles in sync.
type Service struct {
	store  Store
	tasks  TaskSource
	agents ProfileSink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a reputation service.
func NewService(store Store, tasks TaskSource, agents ProfileSink, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tasks:  tasks,
		agents: agents,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rate records a rating with no state checks. The lifecycle engine calls
// this during approval, after it has already authorized the poster and
// settled the task.
func (s *Service) Rate(ctx context.Context, taskID, raterID, rateeID string, score int, feedback string) error {
	r := &Rating{
		TaskID:    taskID,
		RaterID:   raterID,
		RateeID:   rateeID,
		Score:     score,
		Feedback:  feedback,
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return err
	}
	return s.refresh(ctx, rateeID)
}

// RatePoster is the worker's rating of the poster, allowed once after
// the task is approved.
func (s *Service) RatePoster(ctx context.Context, workerID, taskID string, score int, feedback string) (*Rating, error) {
	if errs := validation.Validate(
		validation.IntRange("rating", int64(score), 1, 5),
		validation.MaxLength("feedback", feedback, validation.MaxFeedbackLength),
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
	if t.Status != task.StatusApproved {
		return nil, ErrNotApproved
	}
	if t.WorkerID != workerID {
		return nil, ErrNotYours
	}

	r := &Rating{
		TaskID:    taskID,
		RaterID:   workerID,
		RateeID:   t.PosterID,
		Score:     score,
		Feedback:  validation.SanitizeString(feedback, validation.MaxFeedbackLength),
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, t.PosterID); err != nil {
		return nil, err
	}
	return r, nil
}

// refresh recomputes the ratee's mean and writes it to their profile.
func (s *Service) refresh(ctx context.Context, agentID string) error {
	mean, count, err := s.store.MeanFor(ctx, agentID)
	if err != nil {
		return err
	}
	mean = math.Round(mean*100) / 100
	if err := s.agents.UpdateReputation(ctx, agentID, mean, count); err != nil {
		return err
	}
	s.logger.Info("reputation updated", "agent_id", agentID, "mean", mean, "count", count)
	return nil
}
