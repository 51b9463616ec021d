package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/ledger"
	"github.com/anneschuth/pinchwork/internal/task"
)

// stubSpawner records delegation calls. SpawnMatching flips the parent to
// broadcast, which is what the real spawner does when no infra agents are
// registered.
type stubSpawner struct {
	tasks task.Store

	mu        sync.Mutex
	matched   []string
	verified  []string
	processed []string
	cancelled []string
}

func (s *stubSpawner) SpawnMatching(ctx context.Context, parent *task.Task) error {
	s.mu.Lock()
	s.matched = append(s.matched, parent.ID)
	s.mu.Unlock()
	return s.tasks.SetMatchStatus(ctx, parent.ID, task.MatchNone, task.MatchBroadcast, nil)
}

func (s *stubSpawner) SpawnVerification(ctx context.Context, parent *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = append(s.verified, parent.ID)
	return nil
}

func (s *stubSpawner) ProcessSystemResult(ctx context.Context, child *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, child.ID)
	return nil
}

func (s *stubSpawner) CancelChildren(ctx context.Context, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, parentID)
	return nil
}

func (s *stubSpawner) calls(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "match":
		return append([]string(nil), s.matched...)
	case "verify":
		return append([]string(nil), s.verified...)
	case "process":
		return append([]string(nil), s.processed...)
	default:
		return append([]string(nil), s.cancelled...)
	}
}

type ratingCall struct {
	TaskID, RaterID, RateeID string
	Rating                   int
	Feedback                 string
}

type stubRatings struct {
	mu    sync.Mutex
	calls []ratingCall
}

func (s *stubRatings) Rate(ctx context.Context, taskID, raterID, rateeID string, rating int, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ratingCall{taskID, raterID, rateeID, rating, feedback})
	return nil
}

type fixture struct {
	engine  *Engine
	tasks   *task.MemoryStore
	agents  *agent.MemoryStore
	bus     *events.Bus
	spawner *stubSpawner
	ratings *stubRatings
}

func newFixture(t *testing.T) *fixture {
	return newFixtureCfg(t, Config{})
}

func newFixtureCfg(t *testing.T, cfg Config) *fixture {
	t.Helper()

	agents := agent.NewMemoryStore()
	tasks := task.NewMemoryStore()
	credits := ledger.NewService(ledger.NewMemoryStore(agents), 10, agent.PlatformID)
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)

	fx := &fixture{
		tasks:   tasks,
		agents:  agents,
		bus:     bus,
		spawner: &stubSpawner{tasks: tasks},
		ratings: &stubRatings{},
	}
	fx.engine = NewEngine(tasks, agents, credits, bus, cfg, WithRatings(fx.ratings))
	fx.engine.SetSpawner(fx.spawner)

	require.NoError(t, agents.Create(context.Background(), &agent.Agent{
		ID: agent.PlatformID, Name: "platform", Platform: true, Balance: 1000,
	}))
	return fx
}

func (fx *fixture) seedAgent(t *testing.T, id string, balance int64, infra bool) {
	t.Helper()
	require.NoError(t, fx.agents.Create(context.Background(), &agent.Agent{
		ID: id, Name: id, Balance: balance, AcceptsSystemTasks: infra,
	}))
}

func (fx *fixture) balance(t *testing.T, id string) (int64, int64) {
	t.Helper()
	a, err := fx.agents.Get(context.Background(), id)
	require.NoError(t, err)
	return a.Balance, a.Escrowed
}

func recvEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case e := <-sub.C():
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return events.Event{}
	}
}

func TestEngine_CreateEscrowsAndSpawns(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{
		Need:       "Summarize this contract",
		MaxCredits: 40,
		Tags:       []string{"legal", "summarization"},
	})
	require.NoError(t, err)

	assert.Equal(t, task.StatusPosted, created.Status)
	assert.Equal(t, "ag-alice", created.PosterID)
	assert.Equal(t, task.MatchBroadcast, created.MatchStatus)
	require.NotNil(t, created.ClaimDeadline)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), *created.ClaimDeadline, time.Minute)

	balance, escrowed := fx.balance(t, "ag-alice")
	assert.Equal(t, int64(60), balance)
	assert.Equal(t, int64(40), escrowed)

	a, err := fx.agents.Get(ctx, "ag-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.TasksPosted)

	assert.Equal(t, []string{created.ID}, fx.spawner.calls("match"))
}

func TestEngine_CreateValidation(t *testing.T) {
	ctx := context.Background()
	fx := newFixtureCfg(t, Config{MaxCredits: 1000})
	fx.seedAgent(t, "ag-alice", 100, false)

	_, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "", MaxCredits: 10})
	require.Error(t, err)

	_, err = fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "x", MaxCredits: 0})
	require.Error(t, err)

	_, err = fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "x", MaxCredits: 5000})
	require.Error(t, err)

	_, err = fx.engine.Create(ctx, "ag-alice", CreateRequest{
		Need: "x", MaxCredits: 10, Tags: []string{"Not A Tag"},
	})
	require.Error(t, err)

	_, err = fx.engine.Create(ctx, "ag-alice", CreateRequest{
		Need: "x", MaxCredits: 10, ReviewWindowSeconds: 30,
	})
	require.Error(t, err)

	// Escrow is untouched when validation fails.
	balance, escrowed := fx.balance(t, "ag-alice")
	assert.Equal(t, int64(100), balance)
	assert.Equal(t, int64(0), escrowed)
}

func TestEngine_CreateInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-poor", 10, false)

	_, err := fx.engine.Create(ctx, "ag-poor", CreateRequest{Need: "expensive work", MaxCredits: 50})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	balance, escrowed := fx.balance(t, "ag-poor")
	assert.Equal(t, int64(10), balance)
	assert.Equal(t, int64(0), escrowed)
}

func TestEngine_CreateSuspendedPoster(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	require.NoError(t, fx.agents.SetSuspended(ctx, "ag-alice", true, "abuse"))

	_, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "x", MaxCredits: 10})
	assert.ErrorIs(t, err, ErrSuspended)
}

func TestEngine_GetHidesFromStrangers(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)
	fx.seedAgent(t, "ag-eve", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "translate this", MaxCredits: 10})
	require.NoError(t, err)

	_, err = fx.engine.Get(ctx, "ag-alice", created.ID)
	require.NoError(t, err)

	_, err = fx.engine.Get(ctx, "ag-eve", created.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)

	claimed, err := fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	require.Equal(t, created.ID, claimed.ID)

	got, err := fx.engine.Get(ctx, "ag-bob", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ag-bob", got.WorkerID)
}

func TestEngine_PickupClaimsOldestAndNotifies(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	base := time.Now()
	fx.engine.now = func() time.Time { return base }
	first, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "older task", MaxCredits: 10})
	require.NoError(t, err)

	fx.engine.now = func() time.Time { return base.Add(time.Minute) }
	second, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "newer task", MaxCredits: 10})
	require.NoError(t, err)

	sub := fx.bus.Subscribe("ag-alice")
	defer fx.bus.Unsubscribe(sub)

	fx.engine.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, task.StatusClaimed, got.Status)
	assert.Equal(t, "ag-bob", got.WorkerID)
	require.NotNil(t, got.DeliveryDeadline)
	assert.WithinDuration(t, base.Add(2*time.Minute).Add(10*time.Minute), *got.DeliveryDeadline, time.Second)

	e := recvEvent(t, sub)
	assert.Equal(t, events.TaskClaimed, e.Kind)
	assert.Equal(t, first.ID, e.TaskID)
	assert.Equal(t, "ag-bob", e.Data["worker_id"])

	got, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	assert.ErrorIs(t, err, ErrNoTasks)
}

func TestEngine_PickupStandingGates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-suspended", 100, false)
	require.NoError(t, fx.agents.SetSuspended(ctx, "ag-suspended", true, "abuse"))

	_, err := fx.engine.Pickup(ctx, "ag-suspended", nil)
	assert.ErrorIs(t, err, ErrSuspended)

	now := time.Now()
	require.NoError(t, fx.agents.Create(ctx, &agent.Agent{
		ID: "ag-cooled", Name: "cooled", Balance: 100,
		AbandonCount: 5, LastAbandonAt: &now,
	}))
	_, err = fx.engine.Pickup(ctx, "ag-cooled", nil)
	assert.ErrorIs(t, err, ErrCooldown)

	_, err = fx.engine.Pickup(ctx, "ag-ghost", nil)
	assert.ErrorIs(t, err, agent.ErrNotFound)
}

func TestEngine_PickupPhaseOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-dave", 100, true)

	base := time.Now().Add(-10 * time.Minute)

	// Oldest row on the board: plain broadcast.
	require.NoError(t, fx.tasks.Create(ctx, &task.Task{
		ID: "tk-broadcast", PosterID: "ag-alice", Need: "broadcast work",
		MaxCredits: 10, MatchStatus: task.MatchBroadcast, CreatedAt: base,
	}))
	// Newer, matched to dave.
	require.NoError(t, fx.tasks.Create(ctx, &task.Task{
		ID: "tk-matched", PosterID: "ag-alice", Need: "matched work",
		MaxCredits: 10, MatchStatus: task.MatchMatched, CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, fx.tasks.AddMatches(ctx, "tk-matched", []string{"ag-dave"}))
	// Newest of all: a system child for another parent.
	require.NoError(t, fx.tasks.Create(ctx, &task.Task{
		ID: "tk-parent", PosterID: "ag-alice", Need: "parent work",
		MaxCredits: 20, MatchStatus: task.MatchPending, CreatedAt: base.Add(2 * time.Minute),
	}))
	require.NoError(t, fx.tasks.Create(ctx, &task.Task{
		ID: "tk-sys", PosterID: agent.PlatformID, Need: "rank agents",
		MaxCredits: 3, IsSystem: true, SystemTaskType: task.SystemMatch,
		ParentTaskID: "tk-parent", CreatedAt: base.Add(3 * time.Minute),
	}))

	// System beats matched beats broadcast, regardless of age.
	got, err := fx.engine.Pickup(ctx, "ag-dave", nil)
	require.NoError(t, err)
	assert.Equal(t, "tk-sys", got.ID)
	require.NotNil(t, got.DeliveryDeadline)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), *got.DeliveryDeadline, time.Minute)

	got, err = fx.engine.Pickup(ctx, "ag-dave", nil)
	require.NoError(t, err)
	assert.Equal(t, "tk-matched", got.ID)

	got, err = fx.engine.Pickup(ctx, "ag-dave", nil)
	require.NoError(t, err)
	assert.Equal(t, "tk-broadcast", got.ID)
}

func TestEngine_PickupSpecificGates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)
	fx.seedAgent(t, "ag-dave", 100, true)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "broadcast work", MaxCredits: 10})
	require.NoError(t, err)

	// Own task.
	_, err = fx.engine.PickupSpecific(ctx, "ag-alice", created.ID)
	assert.ErrorIs(t, err, task.ErrConflict)

	// Unknown id.
	_, err = fx.engine.PickupSpecific(ctx, "ag-bob", "tk-missing")
	assert.ErrorIs(t, err, task.ErrNotFound)

	// System children are never claimable by id.
	require.NoError(t, fx.tasks.Create(ctx, &task.Task{
		ID: "tk-sys", PosterID: agent.PlatformID, Need: "rank agents",
		MaxCredits: 3, IsSystem: true, SystemTaskType: task.SystemMatch,
		ParentTaskID: created.ID,
	}))
	_, err = fx.engine.PickupSpecific(ctx, "ag-dave", "tk-sys")
	assert.ErrorIs(t, err, task.ErrNotFound)

	// Matched tasks only go to their listed agents.
	require.NoError(t, fx.tasks.Create(ctx, &task.Task{
		ID: "tk-matched", PosterID: "ag-alice", Need: "matched work",
		MaxCredits: 10, MatchStatus: task.MatchMatched,
	}))
	require.NoError(t, fx.tasks.AddMatches(ctx, "tk-matched", []string{"ag-dave"}))
	_, err = fx.engine.PickupSpecific(ctx, "ag-bob", "tk-matched")
	assert.ErrorIs(t, err, task.ErrConflict)

	got, err := fx.engine.PickupSpecific(ctx, "ag-dave", "tk-matched")
	require.NoError(t, err)
	assert.Equal(t, "ag-dave", got.WorkerID)

	// Working a system child bars the agent from the parent.
	require.NoError(t, fx.tasks.Claim(ctx, "tk-sys", "ag-dave", time.Now().Add(time.Minute), time.Now()))
	_, err = fx.engine.PickupSpecific(ctx, "ag-dave", created.ID)
	assert.ErrorIs(t, err, task.ErrConflict)

	// Someone unconflicted still can.
	got, err = fx.engine.PickupSpecific(ctx, "ag-bob", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ag-bob", got.WorkerID)
}

func TestEngine_DeliverDefaultsAndClamps(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "write a haiku", MaxCredits: 40})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	sub := fx.bus.Subscribe("ag-alice")
	defer fx.bus.Unsubscribe(sub)

	over := int64(150)
	got, err := fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{
		Result:         "five seven five",
		CreditsClaimed: &over,
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusDelivered, got.Status)
	require.NotNil(t, got.CreditsCharged)
	assert.Equal(t, int64(40), *got.CreditsCharged)
	require.NotNil(t, got.ReviewDeadline)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), *got.ReviewDeadline, time.Minute)

	e := recvEvent(t, sub)
	assert.Equal(t, events.TaskDelivered, e.Kind)
	assert.Equal(t, int64(40), e.Data["credits_claimed"])

	assert.Equal(t, []string{created.ID}, fx.spawner.calls("verify"))
}

func TestEngine_DeliverGates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)
	fx.seedAgent(t, "ag-eve", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)

	// Not claimed yet.
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "r"})
	assert.ErrorIs(t, err, ErrNotYours)

	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	// Someone else's claim.
	_, err = fx.engine.Deliver(ctx, "ag-eve", created.ID, DeliverRequest{Result: "r"})
	assert.ErrorIs(t, err, ErrNotYours)

	// Empty result.
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: ""})
	require.Error(t, err)

	// Negative charge.
	neg := int64(-1)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "r", CreditsClaimed: &neg})
	require.Error(t, err)

	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "r"})
	require.NoError(t, err)

	// Double delivery.
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "again"})
	assert.ErrorIs(t, err, task.ErrConflict)
}

func TestEngine_ApproveSettlesAndRates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 0, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "research task", MaxCredits: 40})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	charged := int64(30)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "findings", CreditsClaimed: &charged})
	require.NoError(t, err)

	workerSub := fx.bus.Subscribe("ag-bob")
	defer fx.bus.Unsubscribe(workerSub)

	got, err := fx.engine.Approve(ctx, "ag-alice", created.ID, 5, "great work")
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, got.Status)

	// 30 charged: worker keeps 27, platform takes 3, poster gets 10 back.
	balance, escrowed := fx.balance(t, "ag-alice")
	assert.Equal(t, int64(70), balance)
	assert.Equal(t, int64(0), escrowed)
	balance, _ = fx.balance(t, "ag-bob")
	assert.Equal(t, int64(27), balance)
	balance, _ = fx.balance(t, agent.PlatformID)
	assert.Equal(t, int64(1003), balance)

	bob, err := fx.agents.Get(ctx, "ag-bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bob.TasksCompleted)

	e := recvEvent(t, workerSub)
	assert.Equal(t, events.TaskApproved, e.Kind)
	assert.Equal(t, int64(30), e.Data["credits_charged"])
	assert.Equal(t, int64(27), e.Data["worker_share"])

	require.Len(t, fx.ratings.calls, 1)
	assert.Equal(t, ratingCall{created.ID, "ag-alice", "ag-bob", 5, "great work"}, fx.ratings.calls[0])

	// Second approval conflicts.
	_, err = fx.engine.Approve(ctx, "ag-alice", created.ID, 0, "")
	assert.ErrorIs(t, err, task.ErrConflict)
}

func TestEngine_ApproveOnlyPoster(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)
	fx.seedAgent(t, "ag-eve", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)

	_, err = fx.engine.Approve(ctx, "ag-eve", created.ID, 0, "")
	assert.ErrorIs(t, err, ErrNotYours)

	_, err = fx.engine.Approve(ctx, "ag-alice", created.ID, 9, "")
	require.Error(t, err) // rating out of range
}

func TestEngine_AutoApprove(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 0, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 20})
	require.NoError(t, err)

	// Too early: not delivered.
	assert.ErrorIs(t, fx.engine.AutoApprove(ctx, created.ID), task.ErrConflict)

	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)

	require.NoError(t, fx.engine.AutoApprove(ctx, created.ID))

	got, err := fx.tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, got.Status)

	balance, _ := fx.balance(t, "ag-bob")
	assert.Equal(t, int64(18), balance) // 20 charged minus 10% fee
}

func TestEngine_RejectRetryThenFinal(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{
		Need: "exacting work", MaxCredits: 40, MaxRejections: 2,
	})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "draft one"})
	require.NoError(t, err)

	workerSub := fx.bus.Subscribe("ag-bob")
	defer fx.bus.Unsubscribe(workerSub)

	got, err := fx.engine.Reject(ctx, "ag-alice", created.ID, "missing sources")
	require.NoError(t, err)
	assert.Equal(t, task.StatusClaimed, got.Status)
	assert.Equal(t, 1, got.RejectionCount)
	assert.Equal(t, "ag-bob", got.WorkerID)
	require.NotNil(t, got.DeliveryDeadline)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *got.DeliveryDeadline, time.Minute)

	e := recvEvent(t, workerSub)
	assert.Equal(t, events.TaskRejected, e.Kind)
	assert.Equal(t, false, e.Data["final"])

	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "draft two"})
	require.NoError(t, err)

	got, err = fx.engine.Reject(ctx, "ag-alice", created.ID, "still wrong")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
	assert.Equal(t, 2, got.RejectionCount)
	assert.Equal(t, "ag-bob", got.WorkerID)

	e = recvEvent(t, workerSub)
	assert.Equal(t, events.TaskRejected, e.Kind)
	assert.Equal(t, true, e.Data["final"])

	// Full escrow back to the poster.
	balance, escrowed := fx.balance(t, "ag-alice")
	assert.Equal(t, int64(100), balance)
	assert.Equal(t, int64(0), escrowed)
}

func TestEngine_RejectRequiresReason(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)

	_, err = fx.engine.Reject(ctx, "ag-alice", created.ID, "")
	require.Error(t, err)

	_, err = fx.engine.Reject(ctx, "ag-bob", created.ID, "not mine to reject")
	assert.ErrorIs(t, err, ErrNotYours)
}

func TestEngine_CancelRefundsAndTearsDown(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-dave", 100, true)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 30})
	require.NoError(t, err)
	require.NoError(t, fx.tasks.AddMatches(ctx, created.ID, []string{"ag-dave"}))

	matchedSub := fx.bus.Subscribe("ag-dave")
	defer fx.bus.Unsubscribe(matchedSub)

	got, err := fx.engine.Cancel(ctx, "ag-alice", created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	balance, escrowed := fx.balance(t, "ag-alice")
	assert.Equal(t, int64(100), balance)
	assert.Equal(t, int64(0), escrowed)

	e := recvEvent(t, matchedSub)
	assert.Equal(t, events.TaskCancelled, e.Kind)
	assert.Equal(t, created.ID, e.TaskID)

	assert.Equal(t, []string{created.ID}, fx.spawner.calls("cancel"))
}

func TestEngine_CancelGates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)

	_, err = fx.engine.Cancel(ctx, "ag-bob", created.ID)
	assert.ErrorIs(t, err, ErrNotYours)

	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	// Claimed work cannot be pulled out from under its worker.
	_, err = fx.engine.Cancel(ctx, "ag-alice", created.ID)
	assert.ErrorIs(t, err, task.ErrConflict)
}

func TestEngine_AbandonReleasesAndCools(t *testing.T) {
	ctx := context.Background()
	fx := newFixtureCfg(t, Config{MaxAbandons: 1})
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	got, err := fx.engine.Abandon(ctx, "ag-bob", created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPosted, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, task.MatchBroadcast, got.MatchStatus)

	bob, err := fx.agents.Get(ctx, "ag-bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.AbandonCount)

	// One abandon is the limit here, so pickup is locked out.
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	assert.ErrorIs(t, err, ErrCooldown)
}

func TestEngine_AbandonGates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)
	fx.seedAgent(t, "ag-eve", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)

	_, err = fx.engine.Abandon(ctx, "ag-eve", created.ID)
	assert.ErrorIs(t, err, ErrNotYours)

	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)

	// Delivered work is past abandoning.
	_, err = fx.engine.Abandon(ctx, "ag-bob", created.ID)
	assert.ErrorIs(t, err, task.ErrConflict)
}

func TestEngine_WaitForResultWakesOnDeliver(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, err := fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "done"})
		errCh <- err
	}()

	start := time.Now()
	got, err := fx.engine.WaitForResult(ctx, "ag-alice", created.ID, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, task.StatusDelivered, got.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEngine_WaitForResultTimesOut(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	got, err := fx.engine.WaitForResult(ctx, "ag-alice", created.ID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusClaimed, got.Status)

	// A stranger cannot wait either.
	_, err = fx.engine.WaitForResult(ctx, "ag-eve", created.ID, 50*time.Millisecond)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestEngine_SystemDeliveryProcessesAndPays(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-dave", 0, true)

	require.NoError(t, fx.tasks.Create(ctx, &task.Task{
		ID: "tk-parent", PosterID: "ag-alice", Need: "parent work",
		MaxCredits: 20, MatchStatus: task.MatchPending,
	}))
	require.NoError(t, fx.tasks.Create(ctx, &task.Task{
		ID: "tk-sys", PosterID: agent.PlatformID, Need: "rank agents",
		MaxCredits: 3, IsSystem: true, SystemTaskType: task.SystemMatch,
		ParentTaskID: "tk-parent",
	}))

	got, err := fx.engine.Pickup(ctx, "ag-dave", nil)
	require.NoError(t, err)
	require.Equal(t, "tk-sys", got.ID)

	_, err = fx.engine.Deliver(ctx, "ag-dave", "tk-sys", DeliverRequest{
		Result: `{"ranked_agents": []}`,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"tk-sys"}, fx.spawner.calls("process"))

	// The child settles inline: platform pays the infra agent, no fee.
	child, err := fx.tasks.Get(ctx, "tk-sys")
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, child.Status)

	balance, _ := fx.balance(t, "ag-dave")
	assert.Equal(t, int64(3), balance)
	balance, _ = fx.balance(t, agent.PlatformID)
	assert.Equal(t, int64(997), balance)

	dave, err := fx.agents.Get(ctx, "ag-dave")
	require.NoError(t, err)
	assert.Equal(t, int64(1), dave.TasksCompleted)
}

func TestEngine_MineRoles(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	posted, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "alice's task", MaxCredits: 10})
	require.NoError(t, err)
	other, err := fx.engine.Create(ctx, "ag-bob", CreateRequest{Need: "bob's task", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-alice", nil)
	require.NoError(t, err)

	// Alice posted one and worked bob's.
	tasks, _, err := fx.engine.Mine(ctx, "ag-alice", "all", "", "", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, _, err = fx.engine.Mine(ctx, "ag-alice", "posted", "", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, posted.ID, tasks[0].ID)

	tasks, _, err = fx.engine.Mine(ctx, "ag-alice", "worked", "", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, other.ID, tasks[0].ID)

	tasks, _, err = fx.engine.Mine(ctx, "ag-alice", "all", task.StatusClaimed, "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, other.ID, tasks[0].ID)
}
