package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/pinchwork/internal/agent"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *MemoryStore, *string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, agents := newTestStore(t)
	svc := NewService(store, 10, agent.PlatformID)

	caller := ""
	h := NewHandler(svc, agents, func(c *gin.Context) string { return caller })

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	return r, store, &caller
}

func doGET(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetCredits(t *testing.T) {
	r, store, caller := setupTestRouter(t)
	*caller = "ag-poster"

	require.NoError(t, store.Hold(context.Background(), "ag-poster", 30, "tk-1"))

	w := doGET(r, "/v1/credits")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ag-poster", resp["agent_id"])
	assert.Equal(t, float64(70), resp["credits"])
	assert.Equal(t, float64(30), resp["escrowed_credits"])
}

func TestHandler_GetCredits_UnknownAgent(t *testing.T) {
	r, _, caller := setupTestRouter(t)
	*caller = "ag-ghost"

	w := doGET(r, "/v1/credits")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetHistory(t *testing.T) {
	r, store, caller := setupTestRouter(t)
	*caller = "ag-worker"
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Grant(ctx, "ag-worker", 1, "drip"))
	}

	w := doGET(r, "/v1/credits/history?limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries    []*Entry `json:"entries"`
		NextCursor string   `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	require.NotEmpty(t, resp.NextCursor)

	w = doGET(r, "/v1/credits/history?limit=2&cursor="+resp.NextCursor)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 1)
	assert.Empty(t, resp.NextCursor)
}

func TestHandler_GetHistory_Empty(t *testing.T) {
	r, _, caller := setupTestRouter(t)
	*caller = "ag-worker"

	w := doGET(r, "/v1/credits/history")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	entries, ok := resp["entries"].([]any)
	require.True(t, ok)
	assert.Empty(t, entries)
}
