package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// ContextKeyRequestID is the Gin context key for the request ID.
	ContextKeyRequestID = "request_id"
	// ContextKeySessionID is the Gin context key for the session a route targets.
	ContextKeySessionID = "session_id"

	maxRequestIDLen = 64
)

// RequestIDMiddleware assigns every request an ID. A client-supplied
// X-Request-ID is kept only when it is short and free of characters that
// could forge log fields.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if !validRequestID(reqID) {
			reqID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

// SessionScope tags requests on /:id session routes with the session ID so
// the envelope and failure logs can name it. Malformed IDs are left for the
// handler to reject.
func SessionScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, err := uuid.Parse(c.Param("id")); err == nil {
			c.Set(ContextKeySessionID, id.String())
		}
		c.Next()
	}
}

// RequestID returns the request's ID, generating one when the middleware
// did not run.
func RequestID(c *gin.Context) string {
	if id := c.GetString(ContextKeyRequestID); id != "" {
		return id
	}
	id := uuid.New().String()
	c.Set(ContextKeyRequestID, id)
	return id
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		switch ch := id[i]; {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}
	return true
}
