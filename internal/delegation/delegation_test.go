package delegation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/idgen"
	"github.com/anneschuth/pinchwork/internal/task"
)

type stubApprover struct {
	mu    sync.Mutex
	calls []string
}

func (a *stubApprover) AutoApprove(ctx context.Context, taskID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, taskID)
	return nil
}

func (a *stubApprover) approved() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type fixture struct {
	svc      *Service
	tasks    *task.MemoryStore
	agents   *agent.MemoryStore
	bus      *events.Bus
	approver *stubApprover
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fx := &fixture{
		tasks:    task.NewMemoryStore(),
		agents:   agent.NewMemoryStore(),
		bus:      events.NewBus(8),
		approver: &stubApprover{},
	}
	t.Cleanup(fx.bus.Close)

	fx.svc = NewService(fx.tasks, fx.agents, fx.bus, Config{})
	fx.svc.SetApprover(fx.approver)

	require.NoError(t, fx.agents.Create(context.Background(), &agent.Agent{
		ID: agent.PlatformID, Name: "platform", Platform: true, Capabilities: "operations",
	}))
	return fx
}

func (fx *fixture) seedAgent(t *testing.T, id, capabilities string, infra bool) {
	t.Helper()
	require.NoError(t, fx.agents.Create(context.Background(), &agent.Agent{
		ID: id, Name: id, Capabilities: capabilities, AcceptsSystemTasks: infra,
	}))
}

func (fx *fixture) seedParent(t *testing.T, id, posterID string) *task.Task {
	t.Helper()
	parent := &task.Task{
		ID:       id,
		PosterID: posterID,
		Need:     "translate the filing to Dutch",
		Context:  "formal register",
		Tags:     []string{"translation"},

		MaxCredits: 40,
	}
	require.NoError(t, fx.tasks.Create(context.Background(), parent))
	return parent
}

// deliverParent walks a parent to delivered so verification can attach.
func (fx *fixture) deliverParent(t *testing.T, id, workerID, result string) *task.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, fx.tasks.Claim(ctx, id, workerID, now.Add(time.Hour), now))
	require.NoError(t, fx.tasks.Deliver(ctx, id, workerID, result, 40, now.Add(30*time.Minute), now))
	got, err := fx.tasks.Get(ctx, id)
	require.NoError(t, err)
	return got
}

func TestService_SpawnMatchingNoInfra(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-w", "summarization", false)
	parent := fx.seedParent(t, "tk-p", "ag-poster")

	require.NoError(t, fx.svc.SpawnMatching(ctx, parent))

	got, err := fx.tasks.Get(ctx, "tk-p")
	require.NoError(t, err)
	assert.Equal(t, task.MatchBroadcast, got.MatchStatus)

	children, err := fx.tasks.SystemChildren(ctx, "tk-p")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestService_SpawnMatchingCreatesChild(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-infra", "ranking", true)
	fx.seedAgent(t, "ag-w", "summarization, translation", false)
	fx.seedAgent(t, "ag-blank", "", false)
	fx.seedAgent(t, "ag-susp", "translation", false)
	require.NoError(t, fx.agents.SetSuspended(ctx, "ag-susp", true, "abuse"))
	parent := fx.seedParent(t, "tk-p", "ag-poster")

	require.NoError(t, fx.svc.SpawnMatching(ctx, parent))

	got, err := fx.tasks.Get(ctx, "tk-p")
	require.NoError(t, err)
	assert.Equal(t, task.MatchPending, got.MatchStatus)
	require.NotNil(t, got.MatchDeadline)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), *got.MatchDeadline, time.Minute)

	children, err := fx.tasks.SystemChildren(ctx, "tk-p")
	require.NoError(t, err)
	require.Len(t, children, 1)

	child := children[0]
	assert.Equal(t, agent.PlatformID, child.PosterID)
	assert.True(t, child.IsSystem)
	assert.Equal(t, task.SystemMatch, child.SystemTaskType)
	assert.Equal(t, int64(3), child.MaxCredits)
	assert.Contains(t, child.Need, "Match agents for: translate the filing to Dutch")
	assert.Contains(t, child.Need, "ranked_agents")

	// Roster carries capable agents only.
	assert.Contains(t, child.Need, "ag-w")
	assert.NotContains(t, child.Need, "ag-blank")
	assert.NotContains(t, child.Need, "ag-susp")
	assert.NotContains(t, child.Need, agent.PlatformID)
}

func TestService_SpawnVerification(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-w", "translation", false)
	fx.seedParent(t, "tk-p", "ag-poster")
	parent := fx.deliverParent(t, "tk-p", "ag-w", "de vertaling")

	// Nobody to verify: the delivery just rides its review window.
	require.NoError(t, fx.svc.SpawnVerification(ctx, parent))
	children, err := fx.tasks.SystemChildren(ctx, "tk-p")
	require.NoError(t, err)
	assert.Empty(t, children)

	fx.seedAgent(t, "ag-infra", "verification", true)
	require.NoError(t, fx.svc.SpawnVerification(ctx, parent))

	got, err := fx.tasks.Get(ctx, "tk-p")
	require.NoError(t, err)
	assert.Equal(t, task.VerifyPending, got.VerificationStatus)

	children, err = fx.tasks.SystemChildren(ctx, "tk-p")
	require.NoError(t, err)
	require.Len(t, children, 1)

	child := children[0]
	assert.Equal(t, task.SystemVerify, child.SystemTaskType)
	assert.Equal(t, int64(5), child.MaxCredits)
	assert.Contains(t, child.Need, "Verify completion. Task need: translate the filing to Dutch")
	assert.Contains(t, child.Need, "Delivery: de vertaling")
	assert.Contains(t, child.Need, "meets_requirements")

	// System children never get their own verification.
	require.NoError(t, fx.svc.SpawnVerification(ctx, child))
	grandchildren, err := fx.tasks.SystemChildren(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, grandchildren)
}

func matchChild(t *testing.T, fx *fixture, parentID, result string) *task.Task {
	t.Helper()
	child := &task.Task{
		ID:             idgen.Task(),
		PosterID:       agent.PlatformID,
		Need:           "rank agents",
		MaxCredits:     3,
		IsSystem:       true,
		SystemTaskType: task.SystemMatch,
		ParentTaskID:   parentID,
		Result:         result,
	}
	require.NoError(t, fx.tasks.Create(context.Background(), child))
	return child
}

func TestService_ProcessMatchRecordsAgents(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-w1", "translation", false)
	fx.seedAgent(t, "ag-w2", "translation", false)
	fx.seedParent(t, "tk-p", "ag-poster")
	deadline := time.Now().Add(2 * time.Minute)
	require.NoError(t, fx.tasks.SetMatchStatus(ctx, "tk-p", task.MatchNone, task.MatchPending, &deadline))

	sub := fx.bus.Subscribe("ag-w1")
	defer fx.bus.Unsubscribe(sub)

	// Mixed shapes, a ghost, the poster, and a duplicate: only the two
	// real workers survive, in order.
	result, err := json.Marshal(map[string]any{
		"ranked_agents": []any{
			"ag-w1",
			map[string]any{"agent_id": "ag-w2", "rank": 2},
			"ag-ghost",
			"ag-poster",
			"ag-w1",
		},
	})
	require.NoError(t, err)
	child := matchChild(t, fx, "tk-p", string(result))

	require.NoError(t, fx.svc.ProcessSystemResult(ctx, child))

	got, err := fx.tasks.Get(ctx, "tk-p")
	require.NoError(t, err)
	assert.Equal(t, task.MatchMatched, got.MatchStatus)

	matches, err := fx.tasks.Matches(ctx, "tk-p")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "ag-w1", matches[0].AgentID)
	assert.Equal(t, 0, matches[0].Rank)
	assert.Equal(t, "ag-w2", matches[1].AgentID)
	assert.Equal(t, 1, matches[1].Rank)

	select {
	case e := <-sub.C():
		assert.Equal(t, events.TaskPosted, e.Kind)
		assert.Equal(t, "tk-p", e.TaskID)
	case <-time.After(time.Second):
		t.Fatal("matched agent was not notified")
	}
}

func TestService_ProcessMatchGarbageBroadcasts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedParent(t, "tk-p", "ag-poster")

	cases := []string{
		"not json at all",
		`{"ranked_agents": []}`,
		`{"something_else": true}`,
		`{"ranked_agents": ["ag-ghost", "ag-poster"]}`,
	}
	for _, result := range cases {
		deadline := time.Now().Add(2 * time.Minute)
		require.NoError(t, fx.tasks.SetMatchStatus(ctx, "tk-p", task.MatchNone, task.MatchPending, &deadline))

		child := matchChild(t, fx, "tk-p", result)
		require.NoError(t, fx.svc.ProcessSystemResult(ctx, child))

		got, err := fx.tasks.Get(ctx, "tk-p")
		require.NoError(t, err)
		assert.Equal(t, task.MatchBroadcast, got.MatchStatus, "result: %s", result)

		// Reset for the next round.
		require.NoError(t, fx.tasks.SetMatchStatus(ctx, "tk-p", task.MatchBroadcast, task.MatchNone, nil))
		require.NoError(t, fx.tasks.ClearMatches(ctx, "tk-p"))
	}
}

func TestService_ProcessMatchParentMovedOn(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-w1", "translation", false)
	fx.seedParent(t, "tk-p", "ag-poster")
	deadline := time.Now().Add(2 * time.Minute)
	require.NoError(t, fx.tasks.SetMatchStatus(ctx, "tk-p", task.MatchNone, task.MatchPending, &deadline))

	// Someone claimed the parent off the pending-expired path while the
	// match child was still in flight.
	now := time.Now()
	require.NoError(t, fx.tasks.Claim(ctx, "tk-p", "ag-w1", now.Add(time.Hour), now))

	child := matchChild(t, fx, "tk-p", `{"ranked_agents": ["ag-w1"]}`)
	require.NoError(t, fx.svc.ProcessSystemResult(ctx, child))

	// No stale match rows left behind.
	matches, err := fx.tasks.Matches(ctx, "tk-p")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func verifyChild(t *testing.T, fx *fixture, parentID, result string) *task.Task {
	t.Helper()
	child := &task.Task{
		ID:             idgen.Task(),
		PosterID:       agent.PlatformID,
		Need:           "verify completion",
		MaxCredits:     5,
		IsSystem:       true,
		SystemTaskType: task.SystemVerify,
		ParentTaskID:   parentID,
		Result:         result,
	}
	require.NoError(t, fx.tasks.Create(context.Background(), child))
	return child
}

func TestService_ProcessVerifyPassedAutoApproves(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-w", "translation", false)
	fx.seedParent(t, "tk-p", "ag-poster")
	fx.deliverParent(t, "tk-p", "ag-w", "de vertaling")
	require.NoError(t, fx.tasks.SetVerification(ctx, "tk-p", task.VerifyNone, task.VerifyPending, ""))

	verdict := `{"meets_requirements": true, "explanation": "matches the brief"}`
	child := verifyChild(t, fx, "tk-p", verdict)
	require.NoError(t, fx.svc.ProcessSystemResult(ctx, child))

	got, err := fx.tasks.Get(ctx, "tk-p")
	require.NoError(t, err)
	assert.Equal(t, task.VerifyPassed, got.VerificationStatus)
	assert.Equal(t, verdict, got.VerificationResult)

	assert.Equal(t, []string{"tk-p"}, fx.approver.approved())
}

func TestService_ProcessVerifyFailed(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-w", "translation", false)
	fx.seedParent(t, "tk-p", "ag-poster")
	fx.deliverParent(t, "tk-p", "ag-w", "de vertaling")
	require.NoError(t, fx.tasks.SetVerification(ctx, "tk-p", task.VerifyNone, task.VerifyPending, ""))

	child := verifyChild(t, fx, "tk-p", `{"meets_requirements": false, "explanation": "missing sections"}`)
	require.NoError(t, fx.svc.ProcessSystemResult(ctx, child))

	got, err := fx.tasks.Get(ctx, "tk-p")
	require.NoError(t, err)
	assert.Equal(t, task.VerifyFailed, got.VerificationStatus)
	assert.Empty(t, fx.approver.approved())
}

func TestService_ProcessVerifyUnparseable(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-w", "translation", false)
	fx.seedParent(t, "tk-p", "ag-poster")
	fx.deliverParent(t, "tk-p", "ag-w", "de vertaling")
	require.NoError(t, fx.tasks.SetVerification(ctx, "tk-p", task.VerifyNone, task.VerifyPending, ""))

	child := verifyChild(t, fx, "tk-p", "I think it looks fine?")
	require.NoError(t, fx.svc.ProcessSystemResult(ctx, child))

	got, err := fx.tasks.Get(ctx, "tk-p")
	require.NoError(t, err)
	assert.Equal(t, task.VerifyFailed, got.VerificationStatus)
	assert.Contains(t, got.VerificationResult, "Unparseable")
	assert.Empty(t, fx.approver.approved())
}

func TestService_CancelChildren(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedParent(t, "tk-p", "ag-poster")

	open := matchChild(t, fx, "tk-p", "")
	settled := verifyChild(t, fx, "tk-p", "")
	now := time.Now()
	require.NoError(t, fx.tasks.Claim(ctx, settled.ID, "ag-infra", now.Add(time.Minute), now))
	require.NoError(t, fx.tasks.Deliver(ctx, settled.ID, "ag-infra", `{"meets_requirements": true}`, 5, now.Add(time.Minute), now))
	require.NoError(t, fx.tasks.Approve(ctx, settled.ID, now))

	require.NoError(t, fx.svc.CancelChildren(ctx, "tk-p"))

	got, err := fx.tasks.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	got, err = fx.tasks.Get(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, got.Status)
}
