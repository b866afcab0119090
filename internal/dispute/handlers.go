package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/evidence"
	"github.com/trailpay/trailpay/internal/fault"
	"github.com/trailpay/trailpay/internal/refundpolicy"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.CreateDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/evidence", h.ListEvidence)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/respond", h.RespondToDispute)
	r.POST("/disputes/:id/withdraw", h.WithdrawDispute)
}

// respondError maps a service failure onto the wire taxonomy.
func respondError(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), gin.H{
		"error":   fault.Code(err),
		"message": err.Error(),
	})
}

// createDisputeBody is the payload for POST /v1/disputes.
type createDisputeBody struct {
	BookingID             string          `json:"bookingId" binding:"required"`
	Category              string          `json:"category" binding:"required"`
	Title                 string          `json:"title" binding:"required"`
	Description           string          `json:"description"`
	RequestedRefundAmount int64           `json:"requestedRefundAmount"`
	Evidence              []EvidenceInput `json:"evidence"`
	// OnBehalfOf lets admin and service callers file for a party.
	OnBehalfOf string `json:"onBehalfOf"`
}

// CreateDispute handles POST /v1/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	var body createDisputeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A booking id, category, and title are required",
		})
		return
	}

	filedBy := c.GetString("authActorId")
	if body.OnBehalfOf != "" {
		if !isPrivileged(c.GetString("authActorRole")) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "authorization_failure",
				"message": "Filing on behalf of a party requires the admin or service role",
			})
			return
		}
		filedBy = body.OnBehalfOf
	}

	d, err := h.service.Create(c.Request.Context(), CreateInput{
		BookingID:             body.BookingID,
		Category:              refundpolicy.Reason(body.Category),
		Title:                 body.Title,
		Description:           body.Description,
		RequestedRefundAmount: body.RequestedRefundAmount,
		FiledBy:               filedBy,
		Evidence:              body.Evidence,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d.Public()})
}

// GetDispute handles GET /v1/disputes/:id. Parties see the public view;
// admin and service callers see assignment and classification fields too.
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if isPrivileged(c.GetString("authActorRole")) {
		c.JSON(http.StatusOK, gin.H{"dispute": d})
		return
	}
	actor := c.GetString("authActorId")
	if _, party := d.sourceOf(actor); !party {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "authorization_failure",
			"message": "Only the dispute's parties can view it",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d.Public()})
}

// ListEvidence handles GET /v1/disputes/:id/evidence
func (h *Handler) ListEvidence(c *gin.Context) {
	items, stats, err := h.service.ListEvidence(c.Request.Context(), c.Param("id"),
		c.GetString("authActorId"), c.GetString("authActorRole"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"evidence": items,
		"stats":    stats,
		"count":    len(items),
	})
}

// submitEvidenceBody is the payload for POST /v1/disputes/:id/evidence.
type submitEvidenceBody struct {
	Type            string `json:"type" binding:"required"`
	Content         string `json:"content"`
	FileRef         string `json:"fileRef"`
	Description     string `json:"description"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var body submitEvidenceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "An evidence type is required",
		})
		return
	}

	item, d, err := h.service.SubmitEvidence(c.Request.Context(), SubmitEvidenceInput{
		DisputeID:       c.Param("id"),
		ActorID:         c.GetString("authActorId"),
		Type:            evidence.Type(body.Type),
		Content:         body.Content,
		FileRef:         body.FileRef,
		Description:     body.Description,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"evidence": item,
		"dispute":  d.Public(),
	})
}

// respondBody is the payload for POST /v1/disputes/:id/respond.
type respondBody struct {
	Message         string `json:"message" binding:"required"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// RespondToDispute handles POST /v1/disputes/:id/respond
func (h *Handler) RespondToDispute(c *gin.Context) {
	var body respondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A response statement is required",
		})
		return
	}

	d, err := h.service.AgentRespond(c.Request.Context(), RespondInput{
		DisputeID:       c.Param("id"),
		ActorID:         c.GetString("authActorId"),
		Message:         body.Message,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d.Public()})
}

// withdrawBody is the payload for POST /v1/disputes/:id/withdraw.
type withdrawBody struct {
	Reason          string `json:"reason" binding:"required"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// WithdrawDispute handles POST /v1/disputes/:id/withdraw
func (h *Handler) WithdrawDispute(c *gin.Context) {
	var body withdrawBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A withdrawal reason is required",
		})
		return
	}

	d, err := h.service.Withdraw(c.Request.Context(), c.Param("id"),
		c.GetString("authActorId"), c.GetString("authActorRole"),
		body.Reason, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d.Public()})
}
