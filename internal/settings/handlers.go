package settings

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the admin settings endpoints.
type Handler struct {
	provider *StoreProvider
}

// NewHandler creates a settings handler over a store-backed provider.
func NewHandler(provider *StoreProvider) *Handler {
	return &Handler{provider: provider}
}

// RegisterRoutes sets up the admin settings routes. The caller is expected
// to wrap the group in admin authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
	r.PUT("/settings", h.UpdateSettings)
}

// GetSettings handles GET /v1/admin/settings
func (h *Handler) GetSettings(c *gin.Context) {
	snap, err := h.provider.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "settings_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": snap})
}

// UpdateSettings handles PUT /v1/admin/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var updates map[string]string
	if err := c.ShouldBindJSON(&updates); err != nil || len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be a non-empty object of setting keys to values",
		})
		return
	}

	snap, err := h.provider.Update(c.Request.Context(), updates)
	if err != nil {
		status := http.StatusInternalServerError
		code := "update_failed"
		if errors.Is(err, ErrInvalidValue) {
			status = http.StatusBadRequest
			code = "invalid_value"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": snap})
}
