package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for querying the audit trail.
type Handler struct {
	logger Logger
}

// NewHandler creates a new audit handler.
func NewHandler(logger Logger) *Handler {
	return &Handler{logger: logger}
}

// RegisterAdminRoutes sets up admin-only audit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.QueryAudit)
}

// QueryAudit handles GET /v1/admin/audit
func (h *Handler) QueryAudit(c *gin.Context) {
	q := Query{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		ActorID:    c.Query("actorId"),
		Action:     c.Query("action"),
	}

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "from must be RFC3339",
			})
			return
		}
		q.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "to must be RFC3339",
			})
			return
		}
		q.To = t
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			q.Limit = parsed
			if q.Limit > 500 {
				q.Limit = 500
			}
		}
	}

	entries, err := h.logger.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
