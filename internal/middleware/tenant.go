package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"products-import-service/internal/models"
)

// TenantMiddleware resolves the tenant of the request. A tenant set by
// IstioAuth from JWT claims wins over the X-Tenant-ID / X-Vendor-ID headers.
// Requests without any tenant are rejected; there is no default tenant.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString("tenant_id")
		if tenantID == "" {
			tenantID = c.GetHeader("X-Tenant-ID")
		}
		if tenantID == "" {
			tenantID = c.GetHeader("X-Vendor-ID")
		}
		if tenantID == "" {
			tenantID = c.GetHeader("x-jwt-claim-tenant-id")
		}

		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    "TENANT_REQUIRED",
					Message: "Tenant ID is required. Include the X-Tenant-ID header.",
				},
			})
			return
		}

		c.Set("tenant_id", tenantID)
		c.Next()
	}
}

// GetTenantID retrieves the tenant ID from gin context
func GetTenantID(c *gin.Context) string {
	return c.GetString("tenant_id")
}
