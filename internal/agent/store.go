package agent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Store Interface
// -----------------------------------------------------------------------------

// Store defines the persistence interface for agents.
type Store interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByKeyDigest(ctx context.Context, digest string) (*Agent, error)
	List(ctx context.Context, filter Filter) ([]*Agent, error)
	UpdateProfile(ctx context.Context, id string, p Profile) error
	SetSuspended(ctx context.Context, id string, suspended bool, reason string) error

	// RecordAbandon bumps the abandon counter and timestamp. Both voluntary
	// abandons and claim-deadline timeouts feed the same cooldown.
	RecordAbandon(ctx context.Context, id string, at time.Time) error
	ResetAbandons(ctx context.Context, id string) error

	// CountInfraAgents counts non-suspended, non-platform agents that accept
	// system tasks. Zero means delegation falls back to broadcast.
	CountInfraAgents(ctx context.Context) (int, error)

	IncrementTasksPosted(ctx context.Context, id string) error
	IncrementTasksCompleted(ctx context.Context, id string) error
	UpdateReputation(ctx context.Context, id string, mean float64, count int) error
}

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory implementation. It backs tests and
// DATABASE_URL-less boots; the ledger's memory store mutates balances
// through ApplyBalanceDeltas so both stores see one source of truth.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	byDigest map[string]string // key digest -> agent id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*Agent),
		byDigest: make(map[string]string),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[a.ID]; exists {
		return ErrDuplicateKey
	}
	if a.KeyDigest != "" {
		if _, exists := m.byDigest[a.KeyDigest]; exists {
			return ErrDuplicateKey
		}
	}

	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	cp := *a
	m.agents[a.ID] = &cp
	if a.KeyDigest != "" {
		m.byDigest[a.KeyDigest] = a.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*Agent, error) {
	a, exists := m.agents[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetByKeyDigest(ctx context.Context, digest string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.byDigest[digest]
	if !exists {
		return nil, ErrNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var results []*Agent
	for _, a := range m.agents {
		if filter.Suspended != nil && a.Suspended != *filter.Suspended {
			continue
		}
		cp := *a
		results = append(results, &cp)
	}

	// Newest first
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if filter.Offset >= len(results) {
		return []*Agent{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[filter.Offset:end], nil
}

func (m *MemoryStore) UpdateProfile(ctx context.Context, id string, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}

	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Capabilities != nil {
		a.Capabilities = *p.Capabilities
	}
	if p.AcceptsSystemTasks != nil {
		a.AcceptsSystemTasks = *p.AcceptsSystemTasks
	}
	if p.WebhookURL != nil {
		a.WebhookURL = *p.WebhookURL
	}
	if p.WebhookSecret != nil {
		a.WebhookSecret = *p.WebhookSecret
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetSuspended(ctx context.Context, id string, suspended bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}
	a.Suspended = suspended
	a.SuspendReason = reason
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordAbandon(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}
	a.AbandonCount++
	t := at
	a.LastAbandonAt = &t
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ResetAbandons(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}
	a.AbandonCount = 0
	a.LastAbandonAt = nil
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CountInfraAgents(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, a := range m.agents {
		if a.AcceptsSystemTasks && !a.Suspended && !a.Platform {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) IncrementTasksPosted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}
	a.TasksPosted++
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) IncrementTasksCompleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}
	a.TasksCompleted++
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateReputation(ctx context.Context, id string, mean float64, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}
	a.Reputation = mean
	a.RatingCount = count
	a.UpdatedAt = time.Now()
	return nil
}

// ApplyBalanceDeltas applies all deltas atomically: either every agent's
// balance and escrow move, or none do. A delta that would drive a
// non-platform balance or escrow negative aborts with ErrNegativeBalance.
// The ledger's memory store is the only caller.
func (m *MemoryStore) ApplyBalanceDeltas(ctx context.Context, deltas []BalanceDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Verify everything before touching anything.
	for _, d := range deltas {
		a, exists := m.agents[d.AgentID]
		if !exists {
			return ErrNotFound
		}
		if a.Platform {
			continue
		}
		if a.Balance+d.Balance < 0 || a.Escrowed+d.Escrowed < 0 {
			return ErrNegativeBalance
		}
	}

	now := time.Now()
	for _, d := range deltas {
		a := m.agents[d.AgentID]
		a.Balance += d.Balance
		a.Escrowed += d.Escrowed
		a.UpdatedAt = now
	}
	return nil
}
