package middleware

import (
	"context"
	"strconv"
	"strings"

	"cpjudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"

	traceIDContextKey      = "trace_id"
	requestIDContextKey    = "request_id"
	userIDContextKey       = "user_id"
	submissionIDContextKey = "submission_id"

	submissionRoute = "/submissions/:id"
	maxIDLength     = 128
)

// TraceContextMiddleware puts trace and request ids into the request context and echoes
// them as response headers. On submission routes the submission id is added too, so
// every log line of the request carries it. The user id is never read from headers:
// RequireRole sets it from the verified token.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		traceID := headerOrNew(c, traceIDHeader)
		c.Set(traceIDContextKey, traceID)
		ctx = context.WithValue(ctx, contextkey.TraceID, traceID)

		requestID := headerOrNew(c, requestIDHeader)
		c.Set(requestIDContextKey, requestID)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)

		if id, ok := routeSubmissionID(c); ok {
			c.Set(submissionIDContextKey, id)
			ctx = context.WithValue(ctx, contextkey.SubmissionID, id)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// headerOrNew returns the caller's id from header, or a fresh one when it is missing or
// oversized, and writes it back on the response.
func headerOrNew(c *gin.Context, header string) string {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" || len(id) > maxIDLength {
		id = uuid.NewString()
	}
	c.Writer.Header().Set(header, id)
	return id
}

func routeSubmissionID(c *gin.Context) (int64, bool) {
	if !strings.Contains(c.FullPath(), submissionRoute) {
		return 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
