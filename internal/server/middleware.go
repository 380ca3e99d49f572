package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const correlationIDHeader = "X-Correlation-ID"

// correlationID tags every request with an id, honoring one supplied by
// the caller, and logs the request with it once served.
func (s *Server) correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(correlationIDHeader, id)

		start := time.Now()
		c.Next()

		// Health probes would drown the log.
		if c.Request.URL.Path == "/health" {
			return
		}
		fields := []zap.Field{
			zap.String("correlation_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Error("request failed", fields...)
		} else {
			s.logger.Info("request served", fields...)
		}
	}
}
