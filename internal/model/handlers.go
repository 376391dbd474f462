package model

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the registry over HTTP.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new model handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up read-only model routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.List)
	r.GET("/models/current", h.Current)
}

// RegisterAdminRoutes sets up routes that change the active model.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/models/:version/activate", h.Activate)
}

// List handles GET /v1/models
func (h *Handler) List(c *gin.Context) {
	infos, err := h.registry.Versions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list models",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": infos})
}

// Current handles GET /v1/models/current
func (h *Handler) Current(c *gin.Context) {
	m, err := h.registry.Current()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "model_unavailable",
			"message": "No model is active",
		})
		return
	}
	c.JSON(http.StatusOK, Info{Version: m.Version(), Kind: m.Kind(), Schema: m.Schema(), Loaded: true, Active: true})
}

// Activate handles POST /v1/models/:version/activate
func (h *Handler) Activate(c *gin.Context) {
	m, err := h.registry.Activate(c.Param("version"))
	if err != nil {
		if errors.Is(err, ErrUnknownVersion) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Model version not found",
			})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_model",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, Info{Version: m.Version(), Kind: m.Kind(), Schema: m.Schema(), Loaded: true, Active: true})
}
