package server

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= 500:
			log.Error("request failed", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("request rejected", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// schedulerAuth gates job-trigger endpoints behind the shared scheduler
// secret. An empty secret disables the endpoints entirely.
func (s *Server) schedulerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.SchedulerSecret
		if secret == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Scheduler-Secret"))
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}
