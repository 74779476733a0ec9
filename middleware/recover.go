package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/common/logger"
)

// RelayPanicRecover converts handler panics into a 500 response instead of
// dropping the connection. The stack goes to the log, never to the client.
func RelayPanicRecover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Logger.Error("panic detected",
					zap.Any("panic", err),
					zap.String("stacktrace", string(debug.Stack())),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString(ctxkey.RequestId)))
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"message": "internal server error",
						"type":    "internal_error",
						"code":    http.StatusInternalServerError,
					},
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
