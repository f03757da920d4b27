package sweeper

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes a manual sweep trigger for operators.
type Handler struct {
	sweeper *Sweeper
}

func NewHandler(sweeper *Sweeper) *Handler {
	return &Handler{sweeper: sweeper}
}

// RegisterRoutes sets up internal sweep routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sweep", h.Sweep)
}

// Sweep handles POST /internal/sweep
func (h *Handler) Sweep(c *gin.Context) {
	stats, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": "Deadline sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
