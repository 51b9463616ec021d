package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/idgen"
)

// MemoryStore is an in-memory Store for tests and DATABASE_URL-less boots.
// Balances live in the agent store; the two move in lockstep because every
// operation goes through ApplyBalanceDeltas before any entry is appended.
type MemoryStore struct {
	mu      sync.RWMutex
	agents  *agent.MemoryStore
	entries []*Entry
}

// NewMemoryStore creates a ledger store over the given agent store.
func NewMemoryStore(agents *agent.MemoryStore) *MemoryStore {
	return &MemoryStore{agents: agents}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Hold(ctx context.Context, agentID string, amount int64, taskID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.agents.ApplyBalanceDeltas(ctx, []agent.BalanceDelta{
		{AgentID: agentID, Balance: -amount, Escrowed: amount},
	})
	if err != nil {
		return mapAgentErr(err, ErrInsufficientCredits)
	}
	m.append(&Entry{
		AgentID: agentID,
		TaskID:  taskID,
		Reason:  ReasonEscrowHold,
		Amount:  -amount,
	})
	return nil
}

func (m *MemoryStore) Refund(ctx context.Context, agentID string, amount int64, taskID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.agents.ApplyBalanceDeltas(ctx, []agent.BalanceDelta{
		{AgentID: agentID, Balance: amount, Escrowed: -amount},
	})
	if err != nil {
		return mapAgentErr(err, ErrInsufficientEscrow)
	}
	m.append(&Entry{
		AgentID: agentID,
		TaskID:  taskID,
		Reason:  ReasonEscrowRefund,
		Amount:  amount,
	})
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, posterID, workerID, platformID string, charged, refund, fee int64, taskID string) error {
	if charged <= 0 || refund < 0 || fee < 0 || fee > charged {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deltas := []agent.BalanceDelta{
		{AgentID: posterID, Balance: refund, Escrowed: -(charged + refund)},
		{AgentID: workerID, Balance: charged - fee},
	}
	if fee > 0 {
		deltas = append(deltas, agent.BalanceDelta{AgentID: platformID, Balance: fee})
	}
	if err := m.agents.ApplyBalanceDeltas(ctx, deltas); err != nil {
		return mapAgentErr(err, ErrInsufficientEscrow)
	}

	m.append(&Entry{AgentID: posterID, TaskID: taskID, Reason: ReasonEscrowRelease, Amount: -charged})
	if refund > 0 {
		m.append(&Entry{AgentID: posterID, TaskID: taskID, Reason: ReasonEscrowRefund, Amount: refund})
	}
	m.append(&Entry{AgentID: workerID, TaskID: taskID, Reason: ReasonPayment, Amount: charged - fee})
	if fee > 0 {
		m.append(&Entry{AgentID: platformID, TaskID: taskID, Reason: ReasonFee, Amount: fee})
	}
	return nil
}

func (m *MemoryStore) Pay(ctx context.Context, fromID, toID string, amount int64, taskID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.agents.ApplyBalanceDeltas(ctx, []agent.BalanceDelta{
		{AgentID: fromID, Balance: -amount},
		{AgentID: toID, Balance: amount},
	})
	if err != nil {
		return mapAgentErr(err, ErrInsufficientCredits)
	}
	m.append(&Entry{AgentID: fromID, TaskID: taskID, Reason: ReasonAdjustment, Amount: -amount, Note: "system task settlement"})
	m.append(&Entry{AgentID: toID, TaskID: taskID, Reason: ReasonPayment, Amount: amount})
	return nil
}

func (m *MemoryStore) Grant(ctx context.Context, agentID string, amount int64, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.agents.ApplyBalanceDeltas(ctx, []agent.BalanceDelta{
		{AgentID: agentID, Balance: amount},
	})
	if err != nil {
		return mapAgentErr(err, ErrInsufficientCredits)
	}
	m.append(&Entry{AgentID: agentID, Reason: ReasonGrant, Amount: amount, Note: note})
	return nil
}

func (m *MemoryStore) Adjust(ctx context.Context, agentID string, amount int64, note string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.agents.ApplyBalanceDeltas(ctx, []agent.BalanceDelta{
		{AgentID: agentID, Balance: amount},
	})
	if err != nil {
		return mapAgentErr(err, ErrInsufficientCredits)
	}
	m.append(&Entry{AgentID: agentID, Reason: ReasonAdjustment, Amount: amount, Note: note})
	return nil
}

func (m *MemoryStore) History(ctx context.Context, agentID string, cursor string, limit int) ([]*Entry, string, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Entries append in time order; walk backwards for newest-first.
	var page []*Entry
	started := cursor == ""
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.AgentID != agentID {
			continue
		}
		if !started {
			if e.ID == cursor {
				started = true
			}
			continue
		}
		if len(page) == limit {
			return page, page[len(page)-1].ID, nil
		}
		cp := *e
		page = append(page, &cp)
	}
	return page, "", nil
}

func (m *MemoryStore) FoldAll(ctx context.Context) (map[string]*Fold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	folds := make(map[string]*Fold)
	for _, e := range m.entries {
		f, ok := folds[e.AgentID]
		if !ok {
			f = &Fold{AgentID: e.AgentID}
			folds[e.AgentID] = f
		}
		f.Apply(e)
	}
	return folds, nil
}

// append assumes m.mu is held.
func (m *MemoryStore) append(e *Entry) {
	e.ID = idgen.Ledger()
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
}

func mapAgentErr(err error, onNegative error) error {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		return ErrAgentNotFound
	case errors.Is(err, agent.ErrNegativeBalance):
		return onNegative
	default:
		return err
	}
}
