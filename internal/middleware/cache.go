package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore marks responses as private and uncacheable. Session state changes
// with every answer, so no intermediary may serve a stale copy.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store, private")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
