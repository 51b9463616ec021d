package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/logging"
)

// Handler provides admin HTTP endpoints. Dependencies are optional;
// endpoints whose service is missing answer 503 instead of panicking, so
// a partially wired deployment stays diagnosable.
type Handler struct {
	treasury   Treasury
	directory  Directory
	lister     Lister
	reconciler Reconciler
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithTreasury sets the credit service for grants and adjustments.
func (h *Handler) WithTreasury(t Treasury) *Handler {
	h.treasury = t
	return h
}

// WithDirectory sets the agent service for suspension operations.
func (h *Handler) WithDirectory(d Directory) *Handler {
	h.directory = d
	return h
}

// WithLister sets the agent store for listing.
func (h *Handler) WithLister(l Lister) *Handler {
	h.lister = l
	return h
}

// WithReconciler sets the reconciliation service for on-demand runs.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.listAgents)
	r.POST("/agents/:id/grant", h.grant)
	r.POST("/agents/:id/adjust", h.adjust)
	r.POST("/agents/:id/suspend", h.suspend)
	r.POST("/agents/:id/unsuspend", h.unsuspend)
	r.POST("/reconcile", h.reconcile)
}

type grantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// grant credits an agent out of thin air and returns the new balance.
func (h *Handler) grant(c *gin.Context) {
	if h.treasury == nil || h.directory == nil {
		unavailable(c, "credit service not configured")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badInput(c, "Invalid request body")
		return
	}
	if req.Amount <= 0 {
		badInput(c, "amount must be positive")
		return
	}

	if _, err := h.directory.Get(ctx, id); err != nil {
		agentNotFound(c, err)
		return
	}
	if err := h.treasury.Grant(ctx, id, req.Amount, req.Reason); err != nil {
		internal(c, "failed to grant credits", err)
		return
	}

	a, err := h.directory.Get(ctx, id)
	if err != nil {
		internal(c, "failed to read balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id": a.ID,
		"granted":  req.Amount,
		"credits":  a.Balance,
	})
}

type adjustRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// adjust applies a signed balance correction.
func (h *Handler) adjust(c *gin.Context) {
	if h.treasury == nil || h.directory == nil {
		unavailable(c, "credit service not configured")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badInput(c, "Invalid request body")
		return
	}
	if req.Amount == 0 {
		badInput(c, "amount must be non-zero")
		return
	}

	if _, err := h.directory.Get(ctx, id); err != nil {
		agentNotFound(c, err)
		return
	}
	if err := h.treasury.Adjust(ctx, id, req.Amount, req.Note); err != nil {
		internal(c, "failed to adjust balance", err)
		return
	}

	a, err := h.directory.Get(ctx, id)
	if err != nil {
		internal(c, "failed to read balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id": a.ID,
		"adjusted": req.Amount,
		"credits":  a.Balance,
	})
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

// suspend locks an agent out of posting, claiming, and delivering.
func (h *Handler) suspend(c *gin.Context) {
	if h.directory == nil {
		unavailable(c, "agent service not configured")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	var req suspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badInput(c, "Invalid request body")
		return
	}

	if err := h.directory.Suspend(ctx, id, req.Reason); err != nil {
		agentNotFound(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "suspended": true})
}

// unsuspend restores a suspended agent.
func (h *Handler) unsuspend(c *gin.Context) {
	if h.directory == nil {
		unavailable(c, "agent service not configured")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := h.directory.Unsuspend(ctx, id); err != nil {
		agentNotFound(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "suspended": false})
}

// listAgents pages through the directory, optionally only suspended rows.
func (h *Handler) listAgents(c *gin.Context) {
	if h.lister == nil {
		unavailable(c, "agent store not configured")
		return
	}
	ctx := c.Request.Context()

	filter := agent.Filter{Limit: 100}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if o := c.Query("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if s := c.Query("suspended"); s != "" {
		v := s == "true"
		filter.Suspended = &v
	}

	agents, err := h.lister.List(ctx, filter)
	if err != nil {
		internal(c, "failed to list agents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// reconcile runs a one-shot ledger replay and returns the report.
func (h *Handler) reconcile(c *gin.Context) {
	if h.reconciler == nil {
		unavailable(c, "reconciliation not configured")
		return
	}

	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		internal(c, "reconciliation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func badInput(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": msg})
}

func unavailable(c *gin.Context, msg string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": msg})
}

func agentNotFound(c *gin.Context, err error) {
	if errors.Is(err, agent.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Agent not found"})
		return
	}
	internal(c, "agent lookup failed", err)
}

func internal(c *gin.Context, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": msg})
}
