package policy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the loaded endpoint policies read-only.
type Handler struct {
	repo *Repository
}

// NewHandler creates a new policy handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/endpoints", h.List)
	r.GET("/endpoints/:ip", h.Get)
}

// List handles GET /v1/endpoints
func (h *Handler) List(c *gin.Context) {
	endpoints := h.repo.Endpoints()
	c.JSON(http.StatusOK, gin.H{
		"endpoints": endpoints,
		"count":     len(endpoints),
		"revision":  h.repo.Revision(),
	})
}

// Get handles GET /v1/endpoints/:ip
func (h *Handler) Get(c *gin.Context) {
	p, err := h.repo.Get(c.Param("ip"))
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no policy bound to endpoint"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to get endpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": p})
}
