package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// RequireProctor allows proctors and admins only. Must run after RequireJWT.
func RequireProctor() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if !claims.Role.CanProctor() {
			response.AbortFail(c, http.StatusForbidden, response.ErrProctorOnly)
			return
		}
		c.Next()
	}
}

// RequireAdmin allows admins only. Must run after RequireJWT.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if claims.Role != service.RoleAdmin {
			response.AbortFail(c, http.StatusForbidden, response.ErrPermissionDenied)
			return
		}
		c.Next()
	}
}
