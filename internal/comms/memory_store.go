package comms

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store for tests and
// DATABASE_URL-less boots.
type MemoryStore struct {
	mu        sync.RWMutex
	questions map[string]*Question
	messages  map[string]*Message
}

// NewMemoryStore creates a new in-memory comms store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions: make(map[string]*Question),
		messages:  make(map[string]*Message),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateQuestion(ctx context.Context, q *Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *q
	m.questions[q.ID] = &cp
	return nil
}

func (m *MemoryStore) GetQuestion(ctx context.Context, id string) (*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) AnswerQuestion(ctx context.Context, id, answer string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.questions[id]
	if !ok {
		return ErrNotFound
	}
	if q.AnsweredAt != nil {
		return ErrAlreadyAnswered
	}
	q.Answer = answer
	t := at
	q.AnsweredAt = &t
	return nil
}

func (m *MemoryStore) ListQuestions(ctx context.Context, taskID string) ([]*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Question
	for _, q := range m.questions {
		if q.TaskID != taskID {
			continue
		}
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CountUnanswered(ctx context.Context, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, q := range m.questions {
		if q.TaskID == taskID && q.AnsweredAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, taskID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if msg.TaskID != taskID {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
