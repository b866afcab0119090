package ledger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/refundpolicy"
)

// Handler provides HTTP endpoints for payment ledger operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/payments/:id/refund-requests", h.ListRefundRequests)
	// Booking ids come from the trips service and do not follow the
	// engine's id format, so the param name sidesteps the :id check.
	r.GET("/bookings/:bookingId/payments", h.ListBookingPayments)
}

// RegisterProtectedRoutes sets up auth-required payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.POST("/payments/:id/initiate", h.InitiatePayment)
	r.POST("/payments/:id/process", h.ProcessPayment)
	r.POST("/payments/:id/escrow", h.HoldInEscrow)
	r.POST("/payments/:id/release", h.ReleasePayment)
	r.POST("/payments/:id/refund-requests", h.RequestRefund)
}

// RegisterAdminRoutes sets up admin refund gate routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/refund-requests/:id/approve", h.ApproveRefund)
	r.POST("/refund-requests/:id/deny", h.DenyRefund)
	r.POST("/refund-requests/:id/process", h.ProcessRefund)
}

// lifecycleRequest is the optional body for payment lifecycle endpoints.
type lifecycleRequest struct {
	ExpectedVersion int64  `json:"expectedVersion"`
	Reason          string `json:"reason"`
}

// bindLifecycle reads the optional lifecycle body. An absent body means no
// version assertion.
func bindLifecycle(c *gin.Context) (lifecycleRequest, bool) {
	var req lifecycleRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return req, false
	}
	return req, true
}

// respondError maps a service failure onto the wire taxonomy.
func respondError(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), gin.H{
		"error":   fault.Code(err),
		"message": err.Error(),
	})
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	payment, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": payment})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ListBookingPayments handles GET /v1/bookings/:bookingId/payments
func (h *Handler) ListBookingPayments(c *gin.Context) {
	payments, err := h.service.ListByBooking(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// ListRefundRequests handles GET /v1/payments/:id/refund-requests
func (h *Handler) ListRefundRequests(c *gin.Context) {
	requests, err := h.service.ListRefundRequests(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refundRequests": requests,
		"count":          len(requests),
	})
}

// InitiatePayment handles POST /v1/payments/:id/initiate
func (h *Handler) InitiatePayment(c *gin.Context) {
	req, ok := bindLifecycle(c)
	if !ok {
		return
	}

	payment, err := h.service.Initiate(c.Request.Context(), c.Param("id"), req.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ProcessPayment handles POST /v1/payments/:id/process. The charge is
// submitted synchronously; a definitive processor result settles the payment
// into SUCCEEDED within the same request.
func (h *Handler) ProcessPayment(c *gin.Context) {
	req, ok := bindLifecycle(c)
	if !ok {
		return
	}
	id := c.Param("id")

	payment, err := h.service.BeginProcessing(c.Request.Context(), id, req.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}

	payment, err = h.service.MarkSucceeded(c.Request.Context(), id, payment.Version)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// HoldInEscrow handles POST /v1/payments/:id/escrow
func (h *Handler) HoldInEscrow(c *gin.Context) {
	req, ok := bindLifecycle(c)
	if !ok {
		return
	}

	payment, err := h.service.HoldInEscrow(c.Request.Context(), c.Param("id"), req.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ReleasePayment handles POST /v1/payments/:id/release. Admin or service
// only; a reason is required.
func (h *Handler) ReleasePayment(c *gin.Context) {
	role := c.GetString("authActorRole")
	if !isPrivileged(role) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "authorization_failure",
			"message": "Releasing escrow requires the admin or service role",
		})
		return
	}

	req, ok := bindLifecycle(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failure",
			"message": "A reason is required to release escrow",
		})
		return
	}

	payment, err := h.service.Release(c.Request.Context(), c.Param("id"), req.ExpectedVersion, "manual", req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// refundRequestBody is the payload for POST /v1/payments/:id/refund-requests.
type refundRequestBody struct {
	Reason          string     `json:"reason" binding:"required"`
	Detail          string     `json:"detail"`
	Amount          int64      `json:"amount"`
	TripStartAt     *time.Time `json:"tripStartAt"`
	ExpectedVersion int64      `json:"expectedVersion"`
}

// RequestRefund handles POST /v1/payments/:id/refund-requests
func (h *Handler) RequestRefund(c *gin.Context) {
	var body refundRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A refund reason is required",
		})
		return
	}

	request, payment, err := h.service.RequestRefund(c.Request.Context(), RefundRequestInput{
		PaymentID:       c.Param("id"),
		RequestedBy:     c.GetString("authActorId"),
		RequestedByRole: c.GetString("authActorRole"),
		Reason:          refundpolicy.Reason(body.Reason),
		Detail:          body.Detail,
		Amount:          body.Amount,
		TripStartAt:     body.TripStartAt,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"refundRequest": request,
		"payment":       payment,
	})
}

// adminActionBody is the payload for admin refund gate endpoints.
type adminActionBody struct {
	Reason          string `json:"reason" binding:"required"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// ApproveRefund handles POST /v1/admin/refund-requests/:id/approve
func (h *Handler) ApproveRefund(c *gin.Context) {
	var body adminActionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A reason is required to approve a refund",
		})
		return
	}

	request, payment, err := h.service.ApproveRefund(c.Request.Context(), c.Param("id"),
		c.GetString("authActorId"), body.Reason, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refundRequest": request,
		"payment":       payment,
	})
}

// DenyRefund handles POST /v1/admin/refund-requests/:id/deny
func (h *Handler) DenyRefund(c *gin.Context) {
	var body adminActionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A reason is required to deny a refund",
		})
		return
	}

	request, payment, err := h.service.DenyRefund(c.Request.Context(), c.Param("id"),
		c.GetString("authActorId"), body.Reason, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refundRequest": request,
		"payment":       payment,
	})
}

// ProcessRefund handles POST /v1/admin/refund-requests/:id/process
func (h *Handler) ProcessRefund(c *gin.Context) {
	req, ok := bindLifecycle(c)
	if !ok {
		return
	}

	request, payment, err := h.service.ProcessRefund(c.Request.Context(), c.Param("id"), req.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refundRequest": request,
		"payment":       payment,
	})
}
