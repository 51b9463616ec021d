// Package comms carries the conversation around a task: clarifying
// questions asked before pickup and poster-worker messages while the
// work is in flight.
package comms

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/idgen"
	"github.com/anneschuth/pinchwork/internal/task"
	"github.com/anneschuth/pinchwork/internal/validation"
)

var (
	ErrNotFound         = errors.New("comms: not found")
	ErrOwnTask          = errors.New("comms: cannot ask on your own task")
	ErrNotPoster        = errors.New("comms: only the poster can answer")
	ErrNotParticipant   = errors.New("comms: only poster or worker may message")
	ErrAlreadyAnswered  = errors.New("comms: question already answered")
	ErrTaskNotOpen      = errors.New("comms: questions only fit posted tasks")
	ErrTaskNotActive    = errors.New("comms: messages only fit claimed or delivered tasks")
	ErrTooManyQuestions = errors.New("comms: too many unanswered questions")
)

// MaxUnansweredQuestions caps open questions per task so posters are not
// buried before anyone picks the work up.
const MaxUnansweredQuestions = 5

// Question is a pre-pickup clarification on a posted task.
type Question struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	AskerID    string     `json:"asker_id"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Answered reports whether the poster has replied.
func (q *Question) Answered() bool {
	return q.AnsweredAt != nil
}

// Message is one poster-worker exchange on an active task.
type Message struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	SenderID  string    `json:"sender_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists questions and messages.
type Store interface {
	CreateQuestion(ctx context.Context, q *Question) error
	GetQuestion(ctx context.Context, id string) (*Question, error)

	// AnswerQuestion is conditional: it fails with ErrAlreadyAnswered
	// when an answer is already recorded, so racing answers stay
	// single-winner.
	AnswerQuestion(ctx context.Context, id, answer string, at time.Time) error

	// ListQuestions returns a task's questions oldest-first.
	ListQuestions(ctx context.Context, taskID string) ([]*Question, error)
	CountUnanswered(ctx context.Context, taskID string) (int, error)

	CreateMessage(ctx context.Context, m *Message) error

	// ListMessages returns a task's messages oldest-first.
	ListMessages(ctx context.Context, taskID string) ([]*Message, error)
}

// TaskSource reads tasks for permission checks. The task store satisfies
// this.
type TaskSource interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

// Service runs the conversation rules on top of the store.
type Service struct {
	store  Store
	tasks  TaskSource
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a comms service.
func NewService(store Store, tasks TaskSource, bus *events.Bus, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tasks:  tasks,
		bus:    bus,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask records a clarifying question on a posted task and notifies the
// poster. Posters cannot ask on their own tasks, and each task holds at
// most MaxUnansweredQuestions open questions.
func (s *Service) Ask(ctx context.Context, askerID, taskID, text string) (*Question, error) {
	if errs := validation.Validate(
		validation.Required("question", text),
		validation.MaxLength("question", text, validation.MaxMessageLength),
	); len(errs) > 0 {
		return nil, errs
	}

	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID == askerID {
		return nil, ErrOwnTask
	}
	if t.Status != task.StatusPosted {
		return nil, ErrTaskNotOpen
	}

	open, err := s.store.CountUnanswered(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if open >= MaxUnansweredQuestions {
		return nil, ErrTooManyQuestions
	}

	q := &Question{
		ID:        idgen.Question(),
		TaskID:    taskID,
		AskerID:   askerID,
		Question:  text,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateQuestion(ctx, q); err != nil {
		return nil, err
	}

	s.bus.Publish(t.PosterID, events.Event{
		Kind:   events.QuestionAsked,
		TaskID: taskID,
		Data:   map[string]any{"question_id": q.ID},
	})
	s.logger.Info("question asked", "task_id", taskID, "question_id", q.ID, "asker_id", askerID)
	return q, nil
}

// Answer records the poster's reply and notifies the asker. Only the
// task's poster may answer, and each question takes exactly one answer.
func (s *Service) Answer(ctx context.Context, posterID, taskID, questionID, text string) (*Question, error) {
	if errs := validation.Validate(
		validation.Required("answer", text),
		validation.MaxLength("answer", text, validation.MaxMessageLength),
	); len(errs) > 0 {
		return nil, errs
	}

	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != posterID {
		return nil, ErrNotPoster
	}

	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q.TaskID != taskID {
		return nil, ErrNotFound
	}

	at := s.now()
	if err := s.store.AnswerQuestion(ctx, questionID, text, at); err != nil {
		return nil, err
	}
	q.Answer = text
	q.AnsweredAt = &at

	s.bus.Publish(q.AskerID, events.Event{
		Kind:   events.QuestionAnswered,
		TaskID: taskID,
		Data:   map[string]any{"question_id": questionID},
	})
	s.logger.Info("question answered", "task_id", taskID, "question_id", questionID)
	return q, nil
}

// Questions lists a task's questions and answers, oldest-first. Posted
// tasks are public, so any authenticated agent may read them.
func (s *Service) Questions(ctx context.Context, taskID string) ([]*Question, error) {
	if _, err := s.getTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListQuestions(ctx, taskID)
}

// Send records a message between poster and worker on a claimed or
// delivered task and notifies the other party.
func (s *Service) Send(ctx context.Context, senderID, taskID, text string) (*Message, error) {
	if errs := validation.Validate(
		validation.Required("message", text),
		validation.MaxLength("message", text, validation.MaxMessageLength),
	); len(errs) > 0 {
		return nil, errs
	}

	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusClaimed && t.Status != task.StatusDelivered {
		return nil, ErrTaskNotActive
	}
	if senderID != t.PosterID && senderID != t.WorkerID {
		return nil, ErrNotParticipant
	}

	m := &Message{
		ID:        idgen.Message(),
		TaskID:    taskID,
		SenderID:  senderID,
		Message:   text,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	recipient := t.WorkerID
	if senderID == t.WorkerID {
		recipient = t.PosterID
	}
	s.bus.Publish(recipient, events.Event{
		Kind:   events.MessageSent,
		TaskID: taskID,
		Data:   map[string]any{"message_id": m.ID},
	})
	return m, nil
}

// Messages lists a task's messages, oldest-first. Only the poster and
// worker may read them; the thread stays readable after the task closes.
func (s *Service) Messages(ctx context.Context, agentID, taskID string) ([]*Message, error) {
	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if agentID != t.PosterID && agentID != t.WorkerID {
		return nil, ErrNotParticipant
	}
	return s.store.ListMessages(ctx, taskID)
}

func (s *Service) getTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
