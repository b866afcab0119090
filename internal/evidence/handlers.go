package evidence

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/fault"
)

// Handler provides HTTP endpoints for evidence administration. Submission
// and listing live on the dispute routes; only verification is exposed
// here.
type Handler struct {
	service *Service
}

// NewHandler creates a new evidence handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin evidence routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/evidence/:id/verify", h.VerifyEvidence)
}

type verifyRequest struct {
	// Pointer so an explicit false binds; admins also un-verify.
	Verified *bool  `json:"verified" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// VerifyEvidence handles POST /v1/admin/evidence/:id/verify
func (h *Handler) VerifyEvidence(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	item, err := h.service.Verify(c.Request.Context(), c.Param("id"), *req.Verified, c.GetString("authActorId"), req.Reason)
	if err != nil {
		c.JSON(fault.HTTPStatus(err), gin.H{
			"error":   fault.Code(err),
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"evidence": item})
}
