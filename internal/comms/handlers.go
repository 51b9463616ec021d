package comms

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anneschuth/pinchwork/internal/logging"
	"github.com/anneschuth/pinchwork/internal/validation"
)

// Handler provides the question and message HTTP API.
type Handler struct {
	service       *Service
	authedAgentID func(c *gin.Context) string
}

// NewHandler creates a new comms handler.
func NewHandler(service *Service, authedAgentID func(c *gin.Context) string) *Handler {
	return &Handler{service: service, authedAgentID: authedAgentID}
}

// RegisterRoutes sets up the authenticated comms routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tasks/:id/questions", h.Ask)
	r.GET("/tasks/:id/questions", h.Questions)
	r.POST("/tasks/:id/questions/:qid/answer", h.Answer)
	r.POST("/tasks/:id/messages", h.Send)
	r.GET("/tasks/:id/messages", h.Messages)
}

// AskRequest carries a clarifying question.
type AskRequest struct {
	Question string `json:"question"`
}

// Ask handles POST /tasks/:id/questions.
func (h *Handler) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	q, err := h.service.Ask(c.Request.Context(), h.authedAgentID(c), c.Param("id"), req.Question)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}

// Questions handles GET /tasks/:id/questions.
func (h *Handler) Questions(c *gin.Context) {
	questions, err := h.service.Questions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if questions == nil {
		questions = []*Question{}
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions, "total": len(questions)})
}

// AnswerRequest carries the poster's reply.
type AnswerRequest struct {
	Answer string `json:"answer"`
}

// Answer handles POST /tasks/:id/questions/:qid/answer.
func (h *Handler) Answer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	q, err := h.service.Answer(c.Request.Context(), h.authedAgentID(c),
		c.Param("id"), c.Param("qid"), req.Answer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// SendRequest carries a poster-worker message.
type SendRequest struct {
	Message string `json:"message"`
}

// Send handles POST /tasks/:id/messages.
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}

	m, err := h.service.Send(c.Request.Context(), h.authedAgentID(c), c.Param("id"), req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// Messages handles GET /tasks/:id/messages.
func (h *Handler) Messages(c *gin.Context) {
	messages, err := h.service.Messages(c.Request.Context(), h.authedAgentID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if messages == nil {
		messages = []*Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_input",
		"message": "Invalid request body",
	})
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
			"message": "Not found",
		})
	case errors.Is(err, ErrOwnTask):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Cannot ask questions on your own task",
		})
	case errors.Is(err, ErrTaskNotOpen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Questions only fit posted tasks",
		})
	case errors.Is(err, ErrTaskNotActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Messages only fit claimed or delivered tasks",
		})
	case errors.Is(err, ErrAlreadyAnswered):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Question already answered",
		})
	case errors.Is(err, ErrNotPoster), errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not your task",
		})
	case errors.Is(err, ErrTooManyQuestions):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "too_many_questions",
			"message": "Too many unanswered questions on this task",
		})
	default:
		logging.L(c.Request.Context()).Error("comms operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal",
			"message": "Something went wrong",
		})
	}
}
