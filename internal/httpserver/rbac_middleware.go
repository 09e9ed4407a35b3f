package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"newsletter/pkg/rbac"
)

// RequirePermission 中间件：要求 token 中的角色具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("role")
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			return
		}

		r, _ := role.(string)
		if err := rbac.CheckPermission(r, permission); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}

		c.Next()
	}
}
