package reports

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store for tests and
// DATABASE_URL-less boots.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*Report
}

// NewMemoryStore creates a new in-memory reports store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*Report)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Report, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}

	var all []*Report
	for _, r := range m.reports {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	start := 0
	if f.Cursor != "" {
		for i, r := range all {
			if r.ID == f.Cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return nil, "", nil
	}

	end := start + f.Limit
	if end > len(all) {
		end = len(all)
	}

	page := make([]*Report, 0, end-start)
	for _, r := range all[start:end] {
		cp := *r
		page = append(page, &cp)
	}

	next := ""
	if end < len(all) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reports[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusOpen {
		return ErrAlreadyResolved
	}
	r.Status = to
	return nil
}
