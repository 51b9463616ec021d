package comms

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/task"
)

type fixture struct {
	store *MemoryStore
	tasks *task.MemoryStore
	bus   *events.Bus
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tasks := task.NewMemoryStore()
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)

	store := NewMemoryStore()
	return &fixture{
		store: store,
		tasks: tasks,
		bus:   bus,
		svc:   NewService(store, tasks, bus),
	}
}

func (fx *fixture) seedPosted(t *testing.T, id, posterID string) {
	t.Helper()
	require.NoError(t, fx.tasks.Create(context.Background(), &task.Task{
		ID: id, PosterID: posterID, Need: "summarize the weekly digest", MaxCredits: 10,
	}))
}

func (fx *fixture) seedClaimed(t *testing.T, id, posterID, workerID string) {
	t.Helper()
	fx.seedPosted(t, id, posterID)
	require.NoError(t, fx.tasks.Claim(context.Background(), id, workerID,
		time.Now().Add(10*time.Minute), time.Now()))
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

func TestAsk_CreatesQuestionAndNotifiesPoster(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")

	sub := fx.bus.Subscribe("ag-poster")
	defer fx.bus.Unsubscribe(sub)

	q, err := fx.svc.Ask(context.Background(), "ag-curious", "tk-1", "Which digest, this week's or last?")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(q.ID, "qa-"))
	assert.Equal(t, "tk-1", q.TaskID)
	assert.Equal(t, "ag-curious", q.AskerID)
	assert.False(t, q.Answered())

	e := recvEvent(t, sub)
	assert.Equal(t, events.QuestionAsked, e.Kind)
	assert.Equal(t, "tk-1", e.TaskID)
	assert.Equal(t, q.ID, e.Data["question_id"])
}

func TestAsk_OwnTask(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")

	_, err := fx.svc.Ask(context.Background(), "ag-poster", "tk-1", "Talking to myself?")
	assert.ErrorIs(t, err, ErrOwnTask)
}

func TestAsk_RequiresPostedTask(t *testing.T) {
	fx := newFixture(t)
	fx.seedClaimed(t, "tk-1", "ag-poster", "ag-worker")

	_, err := fx.svc.Ask(context.Background(), "ag-curious", "tk-1", "Still open?")
	assert.ErrorIs(t, err, ErrTaskNotOpen)
}

func TestAsk_UnknownTask(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.Ask(context.Background(), "ag-curious", "tk-ghost", "Anyone home?")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAsk_EmptyQuestion(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")

	_, err := fx.svc.Ask(context.Background(), "ag-curious", "tk-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "question")
}

func TestAsk_UnansweredCap(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")
	ctx := context.Background()

	var first *Question
	for i := 0; i < MaxUnansweredQuestions; i++ {
		q, err := fx.svc.Ask(ctx, "ag-curious", "tk-1", fmt.Sprintf("question %d", i))
		require.NoError(t, err)
		if first == nil {
			first = q
		}
	}

	_, err := fx.svc.Ask(ctx, "ag-curious", "tk-1", "one too many")
	require.ErrorIs(t, err, ErrTooManyQuestions)

	// Answering reopens a slot.
	_, err = fx.svc.Answer(ctx, "ag-poster", "tk-1", first.ID, "this week's")
	require.NoError(t, err)

	_, err = fx.svc.Ask(ctx, "ag-curious", "tk-1", "and now?")
	assert.NoError(t, err)
}

func TestAnswer_RecordsAndNotifiesAsker(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")
	ctx := context.Background()

	q, err := fx.svc.Ask(ctx, "ag-curious", "tk-1", "Deadline?")
	require.NoError(t, err)

	sub := fx.bus.Subscribe("ag-curious")
	defer fx.bus.Unsubscribe(sub)

	answered, err := fx.svc.Answer(ctx, "ag-poster", "tk-1", q.ID, "Friday noon")
	require.NoError(t, err)
	assert.Equal(t, "Friday noon", answered.Answer)
	assert.True(t, answered.Answered())

	e := recvEvent(t, sub)
	assert.Equal(t, events.QuestionAnswered, e.Kind)
	assert.Equal(t, q.ID, e.Data["question_id"])

	// The stored row carries the answer too.
	got, err := fx.store.GetQuestion(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "Friday noon", got.Answer)
}

func TestAnswer_OnlyPoster(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")
	ctx := context.Background()

	q, err := fx.svc.Ask(ctx, "ag-curious", "tk-1", "Deadline?")
	require.NoError(t, err)

	_, err = fx.svc.Answer(ctx, "ag-curious", "tk-1", q.ID, "I'll answer myself")
	assert.ErrorIs(t, err, ErrNotPoster)
}

func TestAnswer_Twice(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")
	ctx := context.Background()

	q, err := fx.svc.Ask(ctx, "ag-curious", "tk-1", "Deadline?")
	require.NoError(t, err)

	_, err = fx.svc.Answer(ctx, "ag-poster", "tk-1", q.ID, "Friday")
	require.NoError(t, err)

	_, err = fx.svc.Answer(ctx, "ag-poster", "tk-1", q.ID, "Saturday actually")
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestAnswer_QuestionFromOtherTask(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")
	fx.seedPosted(t, "tk-2", "ag-poster")
	ctx := context.Background()

	q, err := fx.svc.Ask(ctx, "ag-curious", "tk-1", "Deadline?")
	require.NoError(t, err)

	_, err = fx.svc.Answer(ctx, "ag-poster", "tk-2", q.ID, "wrong thread")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuestions_OldestFirst(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		fx.svc.now = func() time.Time { return at }
		_, err := fx.svc.Ask(ctx, "ag-curious", "tk-1", fmt.Sprintf("question %d", i))
		require.NoError(t, err)
	}

	questions, err := fx.svc.Questions(ctx, "tk-1")
	require.NoError(t, err)
	require.Len(t, questions, 3)
	assert.Equal(t, "question 0", questions[0].Question)
	assert.Equal(t, "question 2", questions[2].Question)
}

func TestSend_NotifiesOtherParty(t *testing.T) {
	fx := newFixture(t)
	fx.seedClaimed(t, "tk-1", "ag-poster", "ag-worker")
	ctx := context.Background()

	workerSub := fx.bus.Subscribe("ag-worker")
	defer fx.bus.Unsubscribe(workerSub)
	posterSub := fx.bus.Subscribe("ag-poster")
	defer fx.bus.Unsubscribe(posterSub)

	m, err := fx.svc.Send(ctx, "ag-poster", "tk-1", "How is it going?")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.ID, "msg-"))

	e := recvEvent(t, workerSub)
	assert.Equal(t, events.MessageSent, e.Kind)
	assert.Equal(t, m.ID, e.Data["message_id"])

	reply, err := fx.svc.Send(ctx, "ag-worker", "tk-1", "Halfway there")
	require.NoError(t, err)

	e = recvEvent(t, posterSub)
	assert.Equal(t, events.MessageSent, e.Kind)
	assert.Equal(t, reply.ID, e.Data["message_id"])
}

func TestSend_RequiresActiveTask(t *testing.T) {
	fx := newFixture(t)
	fx.seedPosted(t, "tk-1", "ag-poster")

	_, err := fx.svc.Send(context.Background(), "ag-poster", "tk-1", "anyone there?")
	assert.ErrorIs(t, err, ErrTaskNotActive)
}

func TestSend_OnlyParticipants(t *testing.T) {
	fx := newFixture(t)
	fx.seedClaimed(t, "tk-1", "ag-poster", "ag-worker")

	_, err := fx.svc.Send(context.Background(), "ag-stranger", "tk-1", "let me in")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestSend_TooLong(t *testing.T) {
	fx := newFixture(t)
	fx.seedClaimed(t, "tk-1", "ag-poster", "ag-worker")

	_, err := fx.svc.Send(context.Background(), "ag-poster", "tk-1", strings.Repeat("x", 2001))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message")
}

func TestMessages_ParticipantsOnly(t *testing.T) {
	fx := newFixture(t)
	fx.seedClaimed(t, "tk-1", "ag-poster", "ag-worker")
	ctx := context.Background()

	_, err := fx.svc.Send(ctx, "ag-poster", "tk-1", "ping")
	require.NoError(t, err)
	_, err = fx.svc.Send(ctx, "ag-worker", "tk-1", "pong")
	require.NoError(t, err)

	msgs, err := fx.svc.Messages(ctx, "ag-worker", "tk-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, err = fx.svc.Messages(ctx, "ag-stranger", "tk-1")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMessages_ReadableAfterClose(t *testing.T) {
	fx := newFixture(t)
	fx.seedClaimed(t, "tk-1", "ag-poster", "ag-worker")
	ctx := context.Background()

	_, err := fx.svc.Send(ctx, "ag-worker", "tk-1", "done, see attachment")
	require.NoError(t, err)

	require.NoError(t, fx.tasks.Deliver(ctx, "tk-1", "ag-worker", "the result", 10,
		time.Now().Add(30*time.Minute), time.Now()))
	require.NoError(t, fx.tasks.Approve(ctx, "tk-1", time.Now()))

	msgs, err := fx.svc.Messages(ctx, "ag-poster", "tk-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
