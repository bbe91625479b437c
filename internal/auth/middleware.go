package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyOwner is the gin context key holding the authenticated owner.
const ContextKeyOwner = "authOwner"

// Middleware rejects requests without a valid key when the keyring is
// enabled and records the caller's owner in the context.
func Middleware(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.Enabled() {
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		owner, err := k.Owner(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer <key>' header.",
			})
			return
		}
		c.Set(ContextKeyOwner, owner)
		c.Next()
	}
}

// RequireOwner rejects requests whose :param does not match the
// authenticated owner. A disabled keyring lets every request through.
func RequireOwner(k *Keyring, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.Enabled() {
			c.Next()
			return
		}
		if !strings.EqualFold(Owner(c), c.Param(param)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Key does not belong to this owner.",
			})
			return
		}
		c.Next()
	}
}

// RequireAuthority rejects requests whose key does not belong to authority,
// the single owner allowed to manage compliance state. A disabled keyring
// lets every request through.
func RequireAuthority(k *Keyring, authority string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.Enabled() {
			c.Next()
			return
		}
		if authority == "" || !strings.EqualFold(Owner(c), authority) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Key is not authorised for compliance management.",
			})
			return
		}
		c.Next()
	}
}

// Owner returns the authenticated owner, or "" when auth is disabled.
func Owner(c *gin.Context) string {
	return c.GetString(ContextKeyOwner)
}
