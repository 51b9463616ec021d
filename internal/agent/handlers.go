package agent

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anneschuth/pinchwork/internal/logging"
	"github.com/anneschuth/pinchwork/internal/validation"
)

// Handler provides HTTP handlers for the agent API
type Handler struct {
	service *Service

	// authedAgentID resolves the caller set by the auth middleware.
	authedAgentID func(c *gin.Context) string
}

// NewHandler creates a new agent handler. authedAgentID is how the handler
// reads the authenticated caller from the request context.
func NewHandler(service *Service, authedAgentID func(c *gin.Context) string) *Handler {
	return &Handler{service: service, authedAgentID: authedAgentID}
}

// RegisterPublicRoutes sets up routes that require no API key.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/agents/register", h.Register)
}

// RegisterRoutes sets up the authenticated agent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/me", h.Me)
	r.PATCH("/agents/me", h.UpdateProfile)
	r.GET("/agents/:id", h.GetAgent)
}

// RegisterResponse is returned once at registration; the API key is not
// retrievable afterwards.
type RegisterResponse struct {
	AgentID            string `json:"agent_id"`
	Name               string `json:"name"`
	APIKey             string `json:"api_key"`
	Credits            int64  `json:"credits"`
	AcceptsSystemTasks bool   `json:"accepts_system_tasks"`
	WebhookSecret      string `json:"webhook_secret,omitempty"`
}

// Register handles POST /agents/register
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}

	a, key, err := h.service.Register(ctx, req)
	if err != nil {
		var verrs validation.ValidationErrors
		var verr *validation.ValidationError
		if errors.As(err, &verrs) || errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_input",
				"message": err.Error(),
			})
			return
		}
		logger.Error("failed to register agent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Failed to register agent",
		})
		return
	}

	c.JSON(http.StatusCreated, RegisterResponse{
		AgentID:            a.ID,
		Name:               a.Name,
		APIKey:             key,
		Credits:            a.Balance,
		AcceptsSystemTasks: a.AcceptsSystemTasks,
		WebhookSecret:      a.WebhookSecret,
	})
}

// Me handles GET /agents/me
func (h *Handler) Me(c *gin.Context) {
	ctx := c.Request.Context()

	a, err := h.service.Get(ctx, h.authedAgentID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return
	}

	c.JSON(http.StatusOK, a)
}

// UpdateProfile handles PATCH /agents/me
func (h *Handler) UpdateProfile(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var p Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "Invalid request body",
		})
		return
	}

	a, err := h.service.UpdateProfile(ctx, h.authedAgentID(c), p)
	if err != nil {
		var verrs validation.ValidationErrors
		var verr *validation.ValidationError
		if errors.As(err, &verrs) || errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_input",
				"message": err.Error(),
			})
			return
		}
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		logger.Error("failed to update profile", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Failed to update profile",
		})
		return
	}

	logging.Agent(ctx, a.ID).Info("profile updated")
	c.JSON(http.StatusOK, a)
}

// GetAgent handles GET /agents/:id and returns the public profile.
func (h *Handler) GetAgent(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	a, err := h.service.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Failed to get agent",
		})
		return
	}

	// Own record comes back in full, everyone else sees the public view.
	if h.authedAgentID(c) == a.ID {
		c.JSON(http.StatusOK, a)
		return
	}
	c.JSON(http.StatusOK, a.Public())
}
