package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// Recovery returns a middleware that turns a panic into a 500 answer with
// the proxy's error body.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			err := fmt.Errorf("panic: %v", rec)
			logger.WithContext(c.Request.Context()).Error("panic recovered",
				observability.Any("panic", rec),
				observability.String("method", c.Request.Method),
				observability.String("path", c.Request.URL.Path),
				observability.String("client_ip", c.ClientIP()),
				observability.String("stack", string(debug.Stack())),
			)

			GetMiddlewareMetrics().panicsRecovered.Inc()

			span := trace.SpanFromContext(c.Request.Context())
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal error",
				"message": err.Error(),
			})
		}()

		c.Next()
	}
}
