package stream

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the live feed over the admin API.
type Handler struct {
	hub *Hub
}

// NewHandler creates a new stream handler.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterAdminRoutes mounts the feed and its stats endpoint.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/stream", h.Connect)
	r.GET("/stream/stats", h.Stats)
}

// Connect handles GET /v1/admin/stream, upgrading to a WebSocket. Clients
// start subscribed to everything and narrow by sending a Subscription as a
// JSON text message.
func (h *Handler) Connect(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "Live feed is not configured",
		})
		return
	}
	h.hub.HandleWebSocket(c.Writer, c.Request)
}

// Stats handles GET /v1/admin/stream/stats.
func (h *Handler) Stats(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "Live feed is not configured",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": h.hub.Stats()})
}
