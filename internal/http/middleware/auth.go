// README: Firebase auth middleware; populates caller identity for handlers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ampstop/internal/infra"
)

const (
	ctxKeyUID    = "auth_uid"
	ctxKeyClaims = "auth_claims"
)

// Auth verifies the Bearer token on every request and stores the caller's
// uid and claims on the context. Requests without a verifiable token never
// reach a handler.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ctxKeyUID, token.UID)
		c.Set(ctxKeyClaims, token.Claims)
		c.Next()
	}
}

// CallerUID returns the authenticated caller's uid, empty when unauthenticated.
func CallerUID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUID); ok {
		if uid, ok := v.(string); ok {
			return uid
		}
	}
	return ""
}

// CallerRole returns the "role" custom claim, empty when absent.
func CallerRole(c *gin.Context) string {
	v, ok := c.Get(ctxKeyClaims)
	if !ok {
		return ""
	}
	claims, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	role, _ := claims["role"].(string)
	return role
}

// RequireRole rejects callers whose role claim does not match.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
