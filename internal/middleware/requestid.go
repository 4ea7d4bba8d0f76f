package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID string is stored.
	RequestIDKey = "request_id"

	// maxInboundRequestIDLength caps identifiers accepted from upstream. Anything longer
	// is discarded and replaced, so a misbehaving client cannot bloat log records.
	maxInboundRequestIDLength = 128
)

// RequestIDMiddleware tags every request with a unique identifier so an HTTP access log
// line can be matched to the audit entries the request produced. An inbound X-Request-ID
// from the gateway is reused when present and sane; otherwise a UUID v4 is generated.
// The identifier is stored under RequestIDKey for handlers and logging middleware, and
// echoed back in the response header for the caller's own correlation.
//
// Register this before the logging middleware so every log record carries the ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxInboundRequestIDLength {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
