package lifecycle

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/ledger"
	"github.com/anneschuth/pinchwork/internal/logging"
	"github.com/anneschuth/pinchwork/internal/task"
	"github.com/anneschuth/pinchwork/internal/validation"
)

// Handler provides the task HTTP API.
type Handler struct {
	engine *Engine

	// authedAgentID resolves the caller set by the auth middleware.
	authedAgentID func(c *gin.Context) string
}

// NewHandler creates a new task handler.
func NewHandler(engine *Engine, authedAgentID func(c *gin.Context) string) *Handler {
	return &Handler{engine: engine, authedAgentID: authedAgentID}
}

// RegisterRoutes sets up the authenticated task routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tasks", h.Create)
	r.GET("/tasks/available", h.Available)
	r.GET("/tasks/mine", h.Mine)
	r.GET("/tasks/:id", h.Get)
	r.POST("/tasks/pickup", h.Pickup)
	r.POST("/tasks/:id/pickup", h.PickupSpecific)
	r.POST("/tasks/:id/deliver", h.Deliver)
	r.POST("/tasks/:id/approve", h.Approve)
	r.POST("/tasks/:id/reject", h.Reject)
	r.POST("/tasks/:id/cancel", h.Cancel)
	r.POST("/tasks/:id/abandon", h.Abandon)
}

// Create handles POST /tasks. A wait query parameter turns the call into
// a long poll that returns once the task is delivered or terminal.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := h.authedAgentID(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	t, err := h.engine.Create(ctx, agentID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	if wait := waitParam(c); wait > 0 {
		if waited, err := h.engine.WaitForResult(ctx, agentID, t.ID, wait); err == nil {
			t = waited
		}
	}
	c.JSON(http.StatusCreated, t)
}

// Get handles GET /tasks/:id, long-polling when wait is set.
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := h.authedAgentID(c)
	id := c.Param("id")

	var (
		t   *task.Task
		err error
	)
	if wait := waitParam(c); wait > 0 {
		t, err = h.engine.WaitForResult(ctx, agentID, id, wait)
	} else {
		t, err = h.engine.Get(ctx, agentID, id)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Available handles GET /tasks/available.
func (h *Handler) Available(c *gin.Context) {
	f := task.AvailableFilter{
		Query:  c.Query("q"),
		Cursor: c.Query("cursor"),
		Limit:  limitParam(c),
	}
	if raw := c.Query("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				f.Tags = append(f.Tags, tag)
			}
		}
	}

	tasks, next, err := h.engine.Available(c.Request.Context(), h.authedAgentID(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskPage(tasks, next))
}

// Mine handles GET /tasks/mine.
func (h *Handler) Mine(c *gin.Context) {
	status := task.Status(c.Query("status"))
	if status != "" && !knownStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Unknown status filter",
		})
		return
	}

	tasks, next, err := h.engine.Mine(c.Request.Context(), h.authedAgentID(c),
		c.DefaultQuery("role", "all"), status, c.Query("cursor"), limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskPage(tasks, next))
}

// PickupRequest narrows pickup to tasks carrying any of the given tags.
type PickupRequest struct {
	Tags []string `json:"tags,omitempty"`
}

// Pickup handles POST /tasks/pickup. No available work is 204, not an
// error; a claimed task comes back with X-Task-Id and X-Budget headers.
func (h *Handler) Pickup(c *gin.Context) {
	var req PickupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badBody(c)
		return
	}

	t, err := h.engine.Pickup(c.Request.Context(), h.authedAgentID(c), req.Tags)
	if errors.Is(err, ErrNoTasks) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondClaimed(c, t)
}

// PickupSpecific handles POST /tasks/:id/pickup.
func (h *Handler) PickupSpecific(c *gin.Context) {
	t, err := h.engine.PickupSpecific(c.Request.Context(), h.authedAgentID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondClaimed(c, t)
}

func respondClaimed(c *gin.Context, t *task.Task) {
	c.Header("X-Task-Id", t.ID)
	c.Header("X-Budget", strconv.FormatInt(t.MaxCredits, 10))
	c.JSON(http.StatusOK, t)
}

// Deliver handles POST /tasks/:id/deliver.
func (h *Handler) Deliver(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	t, err := h.engine.Deliver(c.Request.Context(), h.authedAgentID(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ApproveRequest carries the optional rating attached to an approval.
type ApproveRequest struct {
	Rating   int    `json:"rating,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Approve handles POST /tasks/:id/approve. The body is optional.
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badBody(c)
		return
	}

	t, err := h.engine.Approve(c.Request.Context(), h.authedAgentID(c), c.Param("id"),
		req.Rating, req.Feedback)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// RejectRequest explains why a delivery was not acceptable.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /tasks/:id/reject.
func (h *Handler) Reject(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	t, err := h.engine.Reject(c.Request.Context(), h.authedAgentID(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Cancel handles POST /tasks/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	t, err := h.engine.Cancel(c.Request.Context(), h.authedAgentID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Abandon handles POST /tasks/:id/abandon.
func (h *Handler) Abandon(c *gin.Context) {
	t, err := h.engine.Abandon(c.Request.Context(), h.authedAgentID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_input",
		"message": "Invalid request body",
	})
}

func respondError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verrs), errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": err.Error(),
		})
	case errors.Is(err, task.ErrNotFound), errors.Is(err, agent.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Task not found",
		})
	case errors.Is(err, task.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Task is not in a state that allows this",
		})
	case errors.Is(err, ErrNotYours):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not your task",
		})
	case errors.Is(err, ErrSuspended):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "suspended",
			"message": "Account is suspended",
		})
	case errors.Is(err, ErrCooldown):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "cooldown",
			"message": "Pickup is locked after repeated abandons",
		})
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_credits",
			"message": "Not enough credits to fund this task",
		})
	default:
		logging.L(c.Request.Context()).Error("task operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Something went wrong",
		})
	}
}

func taskPage(tasks []*task.Task, next string) gin.H {
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return gin.H{"tasks": tasks, "next_cursor": next}
}

func waitParam(c *gin.Context) time.Duration {
	raw := c.Query("wait")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func limitParam(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return 50
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 100 {
		return 50
	}
	return n
}

func knownStatus(s task.Status) bool {
	switch s {
	case task.StatusPosted, task.StatusClaimed, task.StatusDelivered,
		task.StatusApproved, task.StatusRejected, task.StatusCancelled, task.StatusExpired:
		return true
	}
	return false
}
