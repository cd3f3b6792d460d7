package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthChecker reports a dependency as unhealthy with an error
type HealthChecker func(c *gin.Context) error

// HealthHandler answers /health. Failing checks mark the service degraded
// but keep the 200 status, since the relay keeps serving from memory.
func HealthHandler(serviceName string, checks map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(c); err != nil {
				deps[name] = err.Error()
				status = "degraded"
				continue
			}
			deps[name] = "ok"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"service":      serviceName,
			"dependencies": deps,
		})
	}
}
