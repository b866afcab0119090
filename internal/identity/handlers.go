package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/fault"
)

// Handler provides HTTP endpoints for API key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new identity handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up self-service key routes; mount behind RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.POST("/keys", h.CreateKey)
	r.POST("/keys/:id/revoke", h.RevokeKey)
}

// RegisterAdminRoutes sets up key issuance for arbitrary actors; mount
// behind RequireRole(RoleAdmin).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

func respondError(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), gin.H{
		"error":   fault.Code(err),
		"message": err.Error(),
	})
}

// ListKeys handles GET /v1/keys. Hashes never leave the store.
func (h *Handler) ListKeys(c *gin.Context) {
	k, _ := KeyFromContext(c)

	keys, err := h.manager.List(c.Request.Context(), k.ActorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

type createKeyBody struct {
	Name string `json:"name"`
}

// CreateKey handles POST /v1/keys: an additional key for the calling actor,
// same role as the key in use.
func (h *Handler) CreateKey(c *gin.Context) {
	k, _ := KeyFromContext(c)

	var body createKeyBody
	_ = c.ShouldBindJSON(&body)
	if body.Name == "" {
		body.Name = "additional key"
	}

	secret, created, err := h.manager.Issue(c.Request.Context(), k.ActorID, k.Role, body.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  secret,
		"key":     created,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey handles POST /v1/keys/:id/revoke.
func (h *Handler) RevokeKey(c *gin.Context) {
	k, _ := KeyFromContext(c)
	keyID := c.Param("id")

	if keyID == k.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failure",
			"message": "The key in use cannot revoke itself",
		})
		return
	}

	if err := h.manager.Revoke(c.Request.Context(), keyID, k.ActorID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyId": keyID, "revoked": true})
}

type issueKeyBody struct {
	ActorID string `json:"actorId" binding:"required"`
	Role    string `json:"role" binding:"required"`
	Name    string `json:"name"`
}

// IssueKey handles POST /v1/admin/keys: key issuance for any actor. Actor
// identity sourcing lives outside the engine; this endpoint only binds an
// externally known actor id to a capability.
func (h *Handler) IssueKey(c *gin.Context) {
	var body issueKeyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "An actor id and role are required",
		})
		return
	}

	secret, created, err := h.manager.Issue(c.Request.Context(), body.ActorID, Role(body.Role), body.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  secret,
		"key":     created,
		"warning": "Store this key securely. It will not be shown again.",
	})
}
