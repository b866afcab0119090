package receipts

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/fault"
)

// Handler provides HTTP endpoints for receipt operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new receipt handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up receipt routes. Mount behind authentication;
// receipts themselves are fetchable by id by any authenticated party.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/receipts", h.ListOwnReceipts)
	r.GET("/receipts/:id", h.GetReceipt)
	r.POST("/receipts/:id/verify", h.VerifyReceipt)
	r.GET("/payments/:id/receipts", h.ListPaymentReceipts)
}

// respondError maps a service failure onto the wire taxonomy.
func respondError(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), gin.H{
		"error":   fault.Code(err),
		"message": err.Error(),
	})
}

// GetReceipt handles GET /v1/receipts/:id
func (h *Handler) GetReceipt(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": r})
}

// VerifyReceipt handles POST /v1/receipts/:id/verify
func (h *Handler) VerifyReceipt(c *gin.Context) {
	result, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": result})
}

// ListOwnReceipts handles GET /v1/receipts
func (h *Handler) ListOwnReceipts(c *gin.Context) {
	actor := c.GetString("authActorId")
	if actor == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "An API key is required to list receipts",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	receipts, err := h.service.ListByActor(c.Request.Context(), actor, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// ListPaymentReceipts handles GET /v1/payments/:id/receipts
func (h *Handler) ListPaymentReceipts(c *gin.Context) {
	receipts, err := h.service.ListByReference(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}
