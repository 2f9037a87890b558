package mining

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pickaxe-app/pickaxe/internal/settings"
	"github.com/pickaxe-app/pickaxe/internal/validation"
)

// Handler provides HTTP endpoints for mining sessions.
type Handler struct {
	service *Service
}

// NewHandler creates a new mining handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the mining routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/mining/sessions", h.StartSession)
	r.GET("/mining/sessions/current", h.CurrentSession)
	r.GET("/mining/sessions/:id", h.GetSession)
	r.POST("/mining/sessions/:id/complete", h.CompleteSession)
	r.POST("/mining/sessions/:id/cancel", h.CancelSession)
}

// StartSession handles POST /v1/mining/sessions
func (h *Handler) StartSession(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if errs := validation.Validate(validation.ValidSubjectID("subjectId", req.SubjectID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": errs,
		})
		return
	}
	req.DeviceInfo = validation.SanitizeString(req.DeviceInfo, 512)

	result, err := h.service.Start(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// CurrentSession handles GET /v1/mining/sessions/current?subjectId=...
func (h *Handler) CurrentSession(c *gin.Context) {
	subjectID := c.Query("subjectId")
	if errs := validation.Validate(validation.ValidSubjectID("subjectId", subjectID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": errs,
		})
		return
	}

	view, err := h.service.Current(c.Request.Context(), subjectID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetSession handles GET /v1/mining/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// CompleteSession handles POST /v1/mining/sessions/:id/complete
func (h *Handler) CompleteSession(c *gin.Context) {
	// body is optional; only reject malformed JSON
	var req CompleteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
	}

	result, err := h.service.Complete(c.Request.Context(), c.Param("id"), req.ClientReport)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelSession handles POST /v1/mining/sessions/:id/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	result, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMaintenance), errors.Is(err, settings.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "service_unavailable",
			"message": "mining is temporarily unavailable",
		})
	case errors.Is(err, ErrActiveSessionExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "active_session_exists",
			"message": "subject already has an active mining session",
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "session has already been settled",
		})
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no such mining session",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
