package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anneschuth/pinchwork/internal/idgen"
)

// MemoryStore is a thread-safe in-memory implementation. It reproduces the
// conditional-write contract of the Postgres store under one mutex, which
// makes it exact enough for scenario tests and DATABASE_URL-less boots.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	matches map[string][]*Match // task id -> ranked candidates
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		matches: make(map[string][]*Match),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusPosted
	}
	if t.MatchStatus == "" {
		t.MatchStatus = MatchNone
	}
	if t.VerificationStatus == "" {
		t.VerificationStatus = VerifyNone
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Task, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}

	var all []*Task
	for _, t := range m.tasks {
		if !matchesFilter(t, f) {
			continue
		}
		all = append(all, t)
	}
	newestFirst(all)
	return pageByCursor(all, f.Cursor, f.Limit)
}

func matchesFilter(t *Task, f Filter) bool {
	if t.IsSystem && !f.IncludeSystem {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ParentTaskID != "" && t.ParentTaskID != f.ParentTaskID {
		return false
	}
	if f.PosterID != "" && f.WorkerID != "" {
		return t.PosterID == f.PosterID || t.WorkerID == f.WorkerID
	}
	if f.PosterID != "" && t.PosterID != f.PosterID {
		return false
	}
	if f.WorkerID != "" && t.WorkerID != f.WorkerID {
		return false
	}
	return true
}

func (m *MemoryStore) Available(ctx context.Context, agentID string, f AvailableFilter, now time.Time) ([]*Task, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}

	var all []*Task
	for _, t := range m.tasks {
		if !m.visibleToLocked(t, agentID, now) {
			continue
		}
		if len(f.Tags) > 0 && !tagsOverlap(t.Tags, f.Tags) {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(t.Need), strings.ToLower(f.Query)) {
			continue
		}
		all = append(all, t)
	}
	newestFirst(all)
	return pageByCursor(all, f.Cursor, f.Limit)
}

// visibleToLocked reports whether a posted task shows up in the agent's
// browse view. Assumes m.mu is held.
func (m *MemoryStore) visibleToLocked(t *Task, agentID string, now time.Time) bool {
	if t.Status != StatusPosted || t.IsSystem || t.PosterID == agentID {
		return false
	}
	if t.ClaimDeadline != nil && !t.ClaimDeadline.After(now) {
		return false
	}
	if m.conflictedLocked(t.ID, agentID) {
		return false
	}
	switch t.MatchStatus {
	case MatchBroadcast, MatchNone:
		return true
	case MatchMatched:
		for _, match := range m.matches[t.ID] {
			if match.AgentID == agentID {
				return true
			}
		}
		return false
	case MatchPending:
		return t.MatchDeadline != nil && !t.MatchDeadline.After(now)
	}
	return false
}

// -----------------------------------------------------------------------------
// Transitions
// -----------------------------------------------------------------------------

func (m *MemoryStore) Claim(ctx context.Context, id, workerID string, deliveryDeadline, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.expectLocked(id, StatusPosted)
	if err != nil {
		return err
	}
	t.Status = StatusClaimed
	t.WorkerID = workerID
	t.ClaimedAt = timePtr(at)
	t.DeliveryDeadline = timePtr(deliveryDeadline)
	return nil
}

func (m *MemoryStore) Deliver(ctx context.Context, id, workerID, result string, charged int64, reviewDeadline, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.expectLocked(id, StatusClaimed)
	if err != nil {
		return err
	}
	if t.WorkerID != workerID {
		return ErrConflict
	}
	t.Status = StatusDelivered
	t.Result = result
	t.CreditsCharged = &charged
	t.DeliveredAt = timePtr(at)
	t.ReviewDeadline = timePtr(reviewDeadline)
	t.DeliveryDeadline = nil
	return nil
}

func (m *MemoryStore) Approve(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.expectLocked(id, StatusDelivered)
	if err != nil {
		return err
	}
	t.Status = StatusApproved
	t.ApprovedAt = timePtr(at)
	t.ReviewDeadline = nil
	return nil
}

func (m *MemoryStore) RejectRetry(ctx context.Context, id, reason string, graceDeadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.expectLocked(id, StatusDelivered)
	if err != nil {
		return err
	}
	t.Status = StatusClaimed
	t.Result = ""
	t.CreditsCharged = nil
	t.DeliveredAt = nil
	t.ReviewDeadline = nil
	t.RejectionReason = reason
	t.RejectionCount++
	t.DeliveryDeadline = timePtr(graceDeadline)
	// The rejected result takes any verification verdict on it along.
	t.VerificationStatus = VerifyNone
	t.VerificationResult = ""
	return nil
}

func (m *MemoryStore) RejectFinal(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.expectLocked(id, StatusDelivered)
	if err != nil {
		return err
	}
	t.Status = StatusRejected
	t.RejectionReason = reason
	t.RejectionCount++
	t.ReviewDeadline = nil
	t.DeliveryDeadline = nil
	return nil
}

func (m *MemoryStore) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.expectLocked(id, StatusPosted)
	if err != nil {
		return err
	}
	t.Status = StatusCancelled
	return nil
}

func (m *MemoryStore) CancelOpen(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusPosted && t.Status != StatusClaimed {
		return ErrConflict
	}
	t.Status = StatusCancelled
	return nil
}

func (m *MemoryStore) Expire(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	// Posted tasks expire unclaimed; claimed tasks expire when the
	// rejection budget is spent and the grace lapses.
	if t.Status != StatusPosted && t.Status != StatusClaimed {
		return ErrConflict
	}
	t.Status = StatusExpired
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, id string, newClaimDeadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.expectLocked(id, StatusClaimed)
	if err != nil {
		return err
	}
	t.Status = StatusPosted
	t.WorkerID = ""
	t.ClaimedAt = nil
	t.DeliveryDeadline = nil
	t.MatchStatus = MatchBroadcast
	t.ClaimDeadline = timePtr(newClaimDeadline)
	return nil
}

func (m *MemoryStore) SetMatchStatus(ctx context.Context, id string, from, to MatchStatus, deadline *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.MatchStatus != from || t.Status != StatusPosted {
		return ErrConflict
	}
	t.MatchStatus = to
	if deadline != nil {
		t.MatchDeadline = timePtr(*deadline)
	} else {
		t.MatchDeadline = nil
	}
	return nil
}

func (m *MemoryStore) SetVerification(ctx context.Context, id string, from, to VerificationStatus, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.VerificationStatus != from || t.Status != StatusDelivered {
		return ErrConflict
	}
	t.VerificationStatus = to
	t.VerificationResult = result
	return nil
}

// expectLocked returns the live row if it is in the wanted status.
// Assumes m.mu is held.
func (m *MemoryStore) expectLocked(id string, want Status) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != want {
		return nil, ErrConflict
	}
	return t, nil
}

// -----------------------------------------------------------------------------
// Match rows
// -----------------------------------------------------------------------------

func (m *MemoryStore) AddMatches(ctx context.Context, taskID string, agentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}

	seen := make(map[string]bool, len(agentIDs))
	for _, existing := range m.matches[taskID] {
		seen[existing.AgentID] = true
	}
	now := time.Now()
	for i, agentID := range agentIDs {
		if seen[agentID] {
			continue
		}
		seen[agentID] = true
		m.matches[taskID] = append(m.matches[taskID], &Match{
			ID:        idgen.Match(),
			TaskID:    taskID,
			AgentID:   agentID,
			Rank:      i + 1,
			CreatedAt: now,
		})
	}
	return nil
}

func (m *MemoryStore) Matches(ctx context.Context, taskID string) ([]*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.matches[taskID]
	out := make([]*Match, 0, len(list))
	for _, match := range list {
		cp := *match
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (m *MemoryStore) MatchesFor(ctx context.Context, agentID string) ([]*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Match
	for _, list := range m.matches {
		for _, match := range list {
			if match.AgentID == agentID {
				cp := *match
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (m *MemoryStore) ClearMatches(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.matches, taskID)
	return nil
}

// -----------------------------------------------------------------------------
// Pickup arbitration
// -----------------------------------------------------------------------------

func (m *MemoryStore) NextSystemTask(ctx context.Context, agentID string, now time.Time) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Task
	for _, t := range m.tasks {
		if t.Status != StatusPosted || !t.IsSystem || t.PosterID == agentID {
			continue
		}
		if t.ClaimDeadline != nil && !t.ClaimDeadline.After(now) {
			continue
		}
		if parent, ok := m.tasks[t.ParentTaskID]; ok {
			if parent.PosterID == agentID || parent.WorkerID == agentID {
				continue
			}
		}
		if m.conflictedLocked(t.ParentTaskID, agentID) {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneTask(best), nil
}

func (m *MemoryStore) NextMatched(ctx context.Context, agentID string, now time.Time) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Task
	bestRank := 0
	for taskID, list := range m.matches {
		t, ok := m.tasks[taskID]
		if !ok || t.Status != StatusPosted || t.MatchStatus != MatchMatched || t.PosterID == agentID {
			continue
		}
		if t.ClaimDeadline != nil && !t.ClaimDeadline.After(now) {
			continue
		}
		if m.conflictedLocked(t.ID, agentID) {
			continue
		}
		for _, match := range list {
			if match.AgentID != agentID {
				continue
			}
			if best == nil || match.Rank < bestRank ||
				(match.Rank == bestRank && t.CreatedAt.Before(best.CreatedAt)) {
				best = t
				bestRank = match.Rank
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneTask(best), nil
}

func (m *MemoryStore) NextBroadcast(ctx context.Context, agentID string, tags []string, now time.Time) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := m.oldestOpenLocked(agentID, tags, now, func(t *Task) bool {
		return t.MatchStatus == MatchBroadcast || t.MatchStatus == MatchNone
	})
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneTask(best), nil
}

func (m *MemoryStore) NextPendingExpired(ctx context.Context, agentID string, now time.Time) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := m.oldestOpenLocked(agentID, nil, now, func(t *Task) bool {
		return t.MatchStatus == MatchPending &&
			t.MatchDeadline != nil && !t.MatchDeadline.After(now)
	})
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneTask(best), nil
}

// oldestOpenLocked scans posted non-system tasks the agent may work,
// keeping whichever passes extra and was created first. Assumes m.mu held.
func (m *MemoryStore) oldestOpenLocked(agentID string, tags []string, now time.Time, extra func(*Task) bool) *Task {
	var best *Task
	for _, t := range m.tasks {
		if t.Status != StatusPosted || t.IsSystem || t.PosterID == agentID {
			continue
		}
		if t.ClaimDeadline != nil && !t.ClaimDeadline.After(now) {
			continue
		}
		if !extra(t) {
			continue
		}
		if len(tags) > 0 && !tagsOverlap(t.Tags, tags) {
			continue
		}
		if m.conflictedLocked(t.ID, agentID) {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) {
			best = t
		}
	}
	return best
}

// conflictedLocked reports the family conflict: the agent worked a system
// child of this parent. Assumes m.mu is held.
func (m *MemoryStore) conflictedLocked(parentID, agentID string) bool {
	if parentID == "" {
		return false
	}
	for _, t := range m.tasks {
		if t.IsSystem && t.ParentTaskID == parentID && t.WorkerID == agentID {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Reaper scans
// -----------------------------------------------------------------------------

func (m *MemoryStore) ClaimedPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	return m.scan(limit, func(t *Task) bool {
		return t.Status == StatusClaimed &&
			t.DeliveryDeadline != nil && !t.DeliveryDeadline.After(now)
	})
}

func (m *MemoryStore) DeliveredPastReview(ctx context.Context, system bool, now time.Time, limit int) ([]*Task, error) {
	return m.scan(limit, func(t *Task) bool {
		return t.Status == StatusDelivered && t.IsSystem == system &&
			t.ReviewDeadline != nil && !t.ReviewDeadline.After(now)
	})
}

func (m *MemoryStore) PendingMatchPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	return m.scan(limit, func(t *Task) bool {
		return t.Status == StatusPosted && t.MatchStatus == MatchPending &&
			t.MatchDeadline != nil && !t.MatchDeadline.After(now)
	})
}

func (m *MemoryStore) PostedPastExpiry(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	return m.scan(limit, func(t *Task) bool {
		return t.Status == StatusPosted &&
			t.ClaimDeadline != nil && !t.ClaimDeadline.After(now)
	})
}

func (m *MemoryStore) DeliveredPastVerification(ctx context.Context, before time.Time, limit int) ([]*Task, error) {
	return m.scan(limit, func(t *Task) bool {
		return t.Status == StatusDelivered && !t.IsSystem &&
			t.VerificationStatus == VerifyPending &&
			t.DeliveredAt != nil && t.DeliveredAt.Before(before)
	})
}

func (m *MemoryStore) scan(limit int, pred func(*Task) bool) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*Task
	for _, t := range m.tasks {
		if pred(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	clones := make([]*Task, len(out))
	for i, t := range out {
		clones[i] = cloneTask(t)
	}
	return clones, nil
}

// -----------------------------------------------------------------------------
// Delegation helpers
// -----------------------------------------------------------------------------

func (m *MemoryStore) SystemChildren(ctx context.Context, parentID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.IsSystem && t.ParentTaskID == parentID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) HasWorkedSystemChild(ctx context.Context, parentID, agentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conflictedLocked(parentID, agentID), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func newestFirst(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func pageByCursor(all []*Task, cursor string, limit int) ([]*Task, string, error) {
	start := 0
	if cursor != "" {
		for i, t := range all {
			if t.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return []*Task{}, "", nil
	}
	end := start + limit
	next := ""
	if end < len(all) {
		next = all[end-1].ID
	} else {
		end = len(all)
	}
	page := make([]*Task, 0, end-start)
	for _, t := range all[start:end] {
		page = append(page, cloneTask(t))
	}
	return page, next, nil
}

func tagsOverlap(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func cloneTask(t *Task) *Task {
	cp := *t
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	if t.CreditsCharged != nil {
		v := *t.CreditsCharged
		cp.CreditsCharged = &v
	}
	cp.MatchDeadline = copyTime(t.MatchDeadline)
	cp.ClaimDeadline = copyTime(t.ClaimDeadline)
	cp.DeliveryDeadline = copyTime(t.DeliveryDeadline)
	cp.ReviewDeadline = copyTime(t.ReviewDeadline)
	cp.ClaimedAt = copyTime(t.ClaimedAt)
	cp.DeliveredAt = copyTime(t.DeliveredAt)
	cp.ApprovedAt = copyTime(t.ApprovedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
