package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/internal/task"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture, *string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fx := newFixture(t)

	// The auth middleware normally sets the caller; tests pin it directly.
	caller := ""
	h := NewHandler(fx.engine, func(c *gin.Context) string { return caller })

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	return r, fx, &caller
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateTask(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	*caller = "ag-alice"

	w := doJSON(r, "POST", "/v1/tasks", gin.H{
		"need":        "Summarize this contract",
		"max_credits": 40,
		"tags":        []string{"legal"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, task.StatusPosted, got.Status)
	assert.Equal(t, int64(40), got.MaxCredits)
}

func TestHandler_CreateTask_Errors(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	*caller = "ag-alice"

	// Missing need
	w := doJSON(r, "POST", "/v1/tasks", gin.H{"max_credits": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_input", resp["error"])

	// More than the poster has
	w = doJSON(r, "POST", "/v1/tasks", gin.H{"need": "x", "max_credits": 500})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_credits", resp["error"])
}

func TestHandler_GetTask(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-eve", 100, false)

	created, err := fx.engine.Create(context.Background(), "ag-alice", CreateRequest{
		Need: "translate this", MaxCredits: 10,
	})
	require.NoError(t, err)

	*caller = "ag-alice"
	w := doJSON(r, "GET", "/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Strangers get the same answer as for a task that never existed.
	*caller = "ag-eve"
	w = doJSON(r, "GET", "/v1/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp["error"])
}

func TestHandler_GetTask_Wait(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	ctx := context.Background()
	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "done"})
	require.NoError(t, err)

	// Already delivered: the long poll returns immediately.
	*caller = "ag-alice"
	w := doJSON(r, "GET", "/v1/tasks/"+created.ID+"?wait=30", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusDelivered, got.Status)
	assert.Equal(t, "done", got.Result)
}

func TestHandler_Pickup(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	// Empty board is not an error.
	*caller = "ag-bob"
	w := doJSON(r, "POST", "/v1/tasks/pickup", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.Bytes())

	created, err := fx.engine.Create(context.Background(), "ag-alice", CreateRequest{
		Need: "tagged work", MaxCredits: 25, Tags: []string{"translation"},
	})
	require.NoError(t, err)

	// Tag filter that matches nothing.
	w = doJSON(r, "POST", "/v1/tasks/pickup", gin.H{"tags": []string{"legal"}})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(r, "POST", "/v1/tasks/pickup", gin.H{"tags": []string{"translation"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, w.Header().Get("X-Task-Id"))
	assert.Equal(t, "25", w.Header().Get("X-Budget"))

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusClaimed, got.Status)
	assert.Equal(t, "ag-bob", got.WorkerID)
}

func TestHandler_PickupByID(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	created, err := fx.engine.Create(context.Background(), "ag-alice", CreateRequest{
		Need: "work", MaxCredits: 10,
	})
	require.NoError(t, err)

	// Posters cannot claim their own work.
	*caller = "ag-alice"
	w := doJSON(r, "POST", "/v1/tasks/"+created.ID+"/pickup", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "conflict", resp["error"])

	*caller = "ag-bob"
	w = doJSON(r, "POST", "/v1/tasks/"+created.ID+"/pickup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, w.Header().Get("X-Task-Id"))
}

func TestHandler_DeliverApproveFlow(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)
	fx.seedAgent(t, "ag-eve", 100, false)

	ctx := context.Background()
	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 40})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	// Only the claiming worker may deliver.
	*caller = "ag-eve"
	w := doJSON(r, "POST", "/v1/tasks/"+created.ID+"/deliver", gin.H{"result": "hijack"})
	require.Equal(t, http.StatusForbidden, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "forbidden", resp["error"])

	*caller = "ag-bob"
	w = doJSON(r, "POST", "/v1/tasks/"+created.ID+"/deliver", gin.H{
		"result": "the answer", "credits_claimed": 30,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusDelivered, got.Status)
	require.NotNil(t, got.CreditsCharged)
	assert.Equal(t, int64(30), *got.CreditsCharged)

	*caller = "ag-alice"
	w = doJSON(r, "POST", "/v1/tasks/"+created.ID+"/approve", gin.H{"rating": 5})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusApproved, got.Status)

	// Already settled.
	w = doJSON(r, "POST", "/v1/tasks/"+created.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Reject(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	ctx := context.Background()
	created, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "work", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)
	_, err = fx.engine.Deliver(ctx, "ag-bob", created.ID, DeliverRequest{Result: "draft"})
	require.NoError(t, err)

	*caller = "ag-alice"
	w := doJSON(r, "POST", "/v1/tasks/"+created.ID+"/reject", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/v1/tasks/"+created.ID+"/reject", gin.H{"reason": "not what I asked"})
	require.Equal(t, http.StatusOK, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusClaimed, got.Status)
	assert.Equal(t, 1, got.RejectionCount)
}

func TestHandler_CancelAndAbandon(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	ctx := context.Background()
	first, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "cancel me", MaxCredits: 10})
	require.NoError(t, err)

	*caller = "ag-alice"
	w := doJSON(r, "POST", "/v1/tasks/"+first.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusCancelled, got.Status)

	second, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "abandon me", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Pickup(ctx, "ag-bob", nil)
	require.NoError(t, err)

	*caller = "ag-bob"
	w = doJSON(r, "POST", "/v1/tasks/"+second.ID+"/abandon", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusPosted, got.Status)
	assert.Empty(t, got.WorkerID)
}

func TestHandler_Mine(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	ctx := context.Background()
	_, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{Need: "mine", MaxCredits: 10})
	require.NoError(t, err)
	_, err = fx.engine.Create(ctx, "ag-bob", CreateRequest{Need: "theirs", MaxCredits: 10})
	require.NoError(t, err)

	*caller = "ag-alice"
	w := doJSON(r, "GET", "/v1/tasks/mine?role=posted", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks      []*task.Task `json:"tasks"`
		NextCursor string       `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "mine", resp.Tasks[0].Need)

	w = doJSON(r, "GET", "/v1/tasks/mine?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Available(t *testing.T) {
	r, fx, caller := setupTestRouter(t)
	fx.seedAgent(t, "ag-alice", 100, false)
	fx.seedAgent(t, "ag-bob", 100, false)

	ctx := context.Background()
	_, err := fx.engine.Create(ctx, "ag-alice", CreateRequest{
		Need: "summarize the filing", MaxCredits: 10, Tags: []string{"legal"},
	})
	require.NoError(t, err)
	_, err = fx.engine.Create(ctx, "ag-alice", CreateRequest{
		Need: "translate the filing", MaxCredits: 10, Tags: []string{"translation"},
	})
	require.NoError(t, err)

	*caller = "ag-bob"
	w := doJSON(r, "GET", "/v1/tasks/available", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []*task.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tasks, 2)

	w = doJSON(r, "GET", "/v1/tasks/available?tags=legal", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "summarize the filing", resp.Tasks[0].Need)

	// Posters do not see their own tasks as available.
	*caller = "ag-alice"
	w = doJSON(r, "GET", "/v1/tasks/available", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Tasks)
}
