package arbitration

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/fault"
)

// Handler provides HTTP endpoints for the arbitration workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new arbitration handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up the admin arbitration surface.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.Queue)
	r.GET("/disputes/:id", h.GetCase)
	r.GET("/disputes/:id/history", h.AdminHistory)
	r.POST("/disputes/:id/assign", h.Assign)
	r.POST("/disputes/:id/review", h.StartReview)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/notes", h.AddNote)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// RegisterProtectedRoutes sets up the party-facing case history view.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id/history", h.PartyHistory)
}

// respondError maps a service failure onto the wire taxonomy.
func respondError(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), gin.H{
		"error":   fault.Code(err),
		"message": err.Error(),
	})
}

// Queue handles GET /v1/admin/disputes
func (h *Handler) Queue(c *gin.Context) {
	in := QueueInput{
		AssignedAdminID: c.Query("assigned"),
		Unassigned:      c.Query("unassigned") == "true",
		State:           c.Query("state"),
		EscalatedOnly:   c.Query("escalated") == "true",
		Cursor:          c.Query("cursor"),
	}
	if in.AssignedAdminID == "me" {
		in.AssignedAdminID = c.GetString("authActorId")
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be an integer",
			})
			return
		}
		in.Limit = n
	}

	page, err := h.service.Queue(c.Request.Context(), c.GetString("authActorId"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      page.Items,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
		"count":      len(page.Items),
	})
}

// GetCase handles GET /v1/admin/disputes/:id
func (h *Handler) GetCase(c *gin.Context) {
	view, err := h.service.Case(c.Request.Context(), c.Param("id"), c.GetString("authActorId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AdminHistory handles GET /v1/admin/disputes/:id/history
func (h *Handler) AdminHistory(c *gin.Context) {
	view, err := h.service.AdminHistory(c.Request.Context(), c.Param("id"), c.GetString("authActorId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// PartyHistory handles GET /v1/disputes/:id/history. Internal notes and
// override fields never reach the parties.
func (h *Handler) PartyHistory(c *gin.Context) {
	view, err := h.service.PartyHistory(c.Request.Context(), c.Param("id"),
		c.GetString("authActorId"), c.GetString("authActorRole"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// assignBody is the payload for POST /v1/admin/disputes/:id/assign. An
// empty target assigns the caller.
type assignBody struct {
	TargetAdminID   string `json:"targetAdminId"`
	Reason          string `json:"reason" binding:"required"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// Assign handles POST /v1/admin/disputes/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	var body assignBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A reason is required",
		})
		return
	}

	d, err := h.service.Assign(c.Request.Context(), c.Param("id"),
		body.TargetAdminID, c.GetString("authActorId"), body.Reason, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type reviewBody struct {
	Reason          string `json:"reason" binding:"required"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// StartReview handles POST /v1/admin/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	var body reviewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A reason is required",
		})
		return
	}

	d, err := h.service.StartReview(c.Request.Context(), c.Param("id"),
		c.GetString("authActorId"), body.Reason, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type escalateBody struct {
	Reason          string `json:"reason" binding:"required"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// Escalate handles POST /v1/admin/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var body escalateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A reason is required",
		})
		return
	}

	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"),
		c.GetString("authActorId"), body.Reason, body.ExpectedVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type noteBody struct {
	Body       string `json:"body" binding:"required"`
	IsInternal bool   `json:"isInternal"`
}

// AddNote handles POST /v1/admin/disputes/:id/notes
func (h *Handler) AddNote(c *gin.Context) {
	var body noteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A note body is required",
		})
		return
	}

	n, err := h.service.AddNote(c.Request.Context(), NoteInput{
		DisputeID:  c.Param("id"),
		AuthorID:   c.GetString("authActorId"),
		Body:       body.Body,
		IsInternal: body.IsInternal,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"note": n})
}

// resolveBody is the payload for POST /v1/admin/disputes/:id/resolve.
type resolveBody struct {
	Type             string `json:"type" binding:"required"`
	RefundAmount     int64  `json:"refundAmount"`
	RefundPercentage int    `json:"refundPercentage"`
	Reasoning        string `json:"reasoning" binding:"required"`
	InternalNotes    string `json:"internalNotes"`
	AdminReason      string `json:"adminReason"`
	ExpectedVersion  int64  `json:"expectedVersion"`
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A resolution type and reasoning are required",
		})
		return
	}

	res, d, err := h.service.Resolve(c.Request.Context(), ResolveInput{
		DisputeID:        c.Param("id"),
		AdminID:          c.GetString("authActorId"),
		Type:             ResolutionType(body.Type),
		RefundAmount:     body.RefundAmount,
		RefundPercentage: body.RefundPercentage,
		Reasoning:        body.Reasoning,
		InternalNotes:    body.InternalNotes,
		AdminReason:      body.AdminReason,
		ExpectedVersion:  body.ExpectedVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": res, "dispute": d})
}
