package ledger

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/logging"
)

// BalanceSource reads current balances. The agent store satisfies this.
type BalanceSource interface {
	Get(ctx context.Context, id string) (*agent.Agent, error)
}

// Handler provides HTTP handlers for the credit API
type Handler struct {
	service       *Service
	balances      BalanceSource
	authedAgentID func(c *gin.Context) string
}

// NewHandler creates a new credit handler.
func NewHandler(service *Service, balances BalanceSource, authedAgentID func(c *gin.Context) string) *Handler {
	return &Handler{service: service, balances: balances, authedAgentID: authedAgentID}
}

// RegisterRoutes sets up the authenticated credit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits", h.GetCredits)
	r.GET("/credits/history", h.GetHistory)
}

// GetCredits handles GET /credits
func (h *Handler) GetCredits(c *gin.Context) {
	ctx := c.Request.Context()

	a, err := h.balances.Get(ctx, h.authedAgentID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id":         a.ID,
		"credits":          a.Balance,
		"escrowed_credits": a.Escrowed,
	})
}

// GetHistory handles GET /credits/history
func (h *Handler) GetHistory(c *gin.Context) {
	ctx := c.Request.Context()

	limit := parseIntQuery(c, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	cursor := c.Query("cursor")

	entries, next, err := h.service.History(ctx, h.authedAgentID(c), cursor, limit)
	if err != nil {
		logging.L(ctx).Error("failed to load credit history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Failed to load history",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"next_cursor": next,
	})
}

func parseIntQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
