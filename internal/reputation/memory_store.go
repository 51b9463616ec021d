package reputation

import (
	"context"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store for tests and
// DATABASE_URL-less boots.
type MemoryStore struct {
	mu      sync.RWMutex
	ratings map[string]*Rating // (taskID, raterID) -> rating
}

// NewMemoryStore creates a new in-memory ratings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ratings: make(map[string]*Rating)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func ratingKey(taskID, raterID string) string {
	return taskID + "\x00" + raterID
}

func (m *MemoryStore) Create(ctx context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ratingKey(r.TaskID, r.RaterID)
	if _, ok := m.ratings[key]; ok {
		return ErrAlreadyRated
	}
	cp := *r
	m.ratings[key] = &cp
	return nil
}

func (m *MemoryStore) MeanFor(ctx context.Context, agentID string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum, count := 0, 0
	for _, r := range m.ratings {
		if r.RateeID == agentID {
			sum += r.Score
			count++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(count), count, nil
}
