package reconcile

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes a manual reconciliation trigger for operators.
type Handler struct {
	reconciler *Reconciler
}

func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up internal reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Reconcile)
}

// Reconcile handles POST /internal/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	stats, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Settlement reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
