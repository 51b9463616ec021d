package reports

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anneschuth/pinchwork/internal/logging"
	"github.com/anneschuth/pinchwork/internal/validation"
)

// Handler provides the report HTTP API. Filing lives on the agent
// surface; listing and resolving live on the admin surface.
type Handler struct {
	service       *Service
	authedAgentID func(c *gin.Context) string
}

// NewHandler creates a new reports handler.
func NewHandler(service *Service, authedAgentID func(c *gin.Context) string) *Handler {
	return &Handler{service: service, authedAgentID: authedAgentID}
}

// RegisterRoutes sets up the authenticated report route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tasks/:id/report", h.Create)
}

// RegisterAdminRoutes sets up the admin review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reports", h.List)
	r.POST("/reports/:id/resolve", h.Resolve)
}

// CreateRequest explains what is wrong with a task.
type CreateRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /tasks/:id/report.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Create(c.Request.Context(), h.authedAgentID(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// List handles GET /admin/reports.
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		Status: Status(c.Query("status")),
		Cursor: c.Query("cursor"),
	}

	reports, next, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	if reports == nil {
		reports = []*Report{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "next_cursor": next})
}

// ResolveRequest closes a report one way or the other.
type ResolveRequest struct {
	Status Status `json:"status"`
}

// Resolve handles POST /admin/reports/:id/resolve.
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func respondError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, ErrBadStatus):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Not found",
		})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only poster or worker may report this task",
		})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Report already resolved",
		})
	default:
		logging.L(c.Request.Context()).Error("report operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Something went wrong",
		})
	}
}
