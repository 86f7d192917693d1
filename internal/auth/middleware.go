package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskvine/walletd/internal/logging"
)

// Context keys set by Middleware for downstream handlers.
const (
	CtxUserID = "authUserID"
	CtxRole   = "authRole"
)

// Middleware resolves the bearer token and stores the caller's identity
// on the request context. Requests without valid credentials are
// rejected.
func Middleware(resolver Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing bearer token",
			})
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			logging.L(c.Request.Context()).Warn("token resolution failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired token",
			})
			return
		}

		c.Set(CtxUserID, id.UserID)
		c.Set(CtxRole, id.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose resolved role does not match.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(CtxRole) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient role",
			})
			return
		}
		c.Next()
	}
}

// RequireSecret guards operational endpoints with a shared-secret
// header. Used for the scheduler (X-Cron-Secret) and the admin console
// (X-Admin-Secret).
func RequireSecret(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !SecretEqual(c.GetHeader(header), secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing secret",
			})
			return
		}
		c.Next()
	}
}
