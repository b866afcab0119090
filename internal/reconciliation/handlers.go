package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/fault"
)

// Handler serves the admin consistency sweep.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes mounts the sweep endpoint.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Run)
}

// Run handles GET /v1/admin/reconciliation. Every request runs a fresh
// sweep; the sweep is read-only, so GET is honest.
func (h *Handler) Run(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "Reconciliation is not configured",
		})
		return
	}

	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(fault.HTTPStatus(err), gin.H{
			"error":   fault.Code(err),
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
