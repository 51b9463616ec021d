package reputation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anneschuth/pinchwork/internal/logging"
	"github.com/anneschuth/pinchwork/internal/validation"
)

// Handler provides the worker-side rating endpoint. The poster-side
// rating rides the approve call.
type Handler struct {
	service       *Service
	authedAgentID func(c *gin.Context) string
}

// NewHandler creates a new reputation handler.
func NewHandler(service *Service, authedAgentID func(c *gin.Context) string) *Handler {
	return &Handler{service: service, authedAgentID: authedAgentID}
}

// RegisterRoutes sets up the authenticated rating route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tasks/:id/rate", h.RatePoster)
}

// RateRequest scores the poster of an approved task.
type RateRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback,omitempty"`
}

// RatePoster handles POST /tasks/:id/rate.
func (h *Handler) RatePoster(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.RatePoster(c.Request.Context(), h.authedAgentID(c),
		c.Param("id"), req.Rating, req.Feedback)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func respondError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Task not found",
		})
	case errors.Is(err, ErrNotYours):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not your task",
		})
	case errors.Is(err, ErrNotApproved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Task is not approved",
		})
	case errors.Is(err, ErrAlreadyRated):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Already rated",
		})
	default:
		logging.L(c.Request.Context()).Error("rating failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Something went wrong",
		})
	}
}
