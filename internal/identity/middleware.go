package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trailpay/trailpay/internal/audit"
)

// Gin context keys. Downstream handlers read the actor id and role; the key
// record itself stays inside this package's helpers.
const (
	ContextKeyKey       = "authKey"
	ContextKeyActorID   = "authActorId"
	ContextKeyActorRole = "authActorRole"
)

// Middleware resolves the request's API key, when present, into the actor
// identity. It never rejects on its own; pair it with RequireAuth or
// RequireRole. The actor is also attached to the request context so audit
// entries written downstream carry it.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			if k, err := m.Validate(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyKey, k)
				c.Set(ContextKeyActorID, k.ActorID)
				c.Set(ContextKeyActorRole, string(k.Role))
				ctx := audit.WithActor(c.Request.Context(), string(k.Role), k.ActorID)
				c.Request = c.Request.WithContext(ctx)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeyKey); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "An API key is required. Send 'Authorization: Bearer tk_...'.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated requests whose key holds none of the
// given roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		k, ok := KeyFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "An API key is required. Send 'Authorization: Bearer tk_...'.",
			})
			return
		}
		for _, r := range roles {
			if k.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "authorization_failure",
			"message": "Your key does not grant access to this resource",
		})
	}
}

// KeyFromContext returns the authenticated key record, if any.
func KeyFromContext(c *gin.Context) (*Key, bool) {
	v, ok := c.Get(ContextKeyKey)
	if !ok {
		return nil, false
	}
	k, ok := v.(*Key)
	return k, ok
}
