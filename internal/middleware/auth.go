package middleware

import (
	"github.com/gin-gonic/gin"
)

// DevUserID is the actor recorded for imports when no identity is forwarded
const DevUserID = "00000000-0000-0000-0000-000000000001"

// DevelopmentAuthMiddleware fills the actor of a request outside the mesh.
// Identity set by IstioAuth is kept; otherwise X-User-ID / X-User-Email are
// trusted and the dev user is the last resort.
func DevelopmentAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			userID = c.GetHeader("X-User-ID")
		}
		if userID == "" {
			userID = DevUserID
		}

		// RBAC middleware checks staff_id first
		c.Set("user_id", userID)
		c.Set("staff_id", userID)

		if c.GetString("user_email") == "" {
			if email := c.GetHeader("X-User-Email"); email != "" {
				c.Set("user_email", email)
			}
		}
		c.Next()
	}
}
