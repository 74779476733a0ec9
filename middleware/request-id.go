package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aetherlab/aether/common/ctxkey"
)

// RequestId stamps a unique id on every request and echoes it back in the
// response header so clients can report it.
func RequestId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Request.Header.Get(ctxkey.RequestId)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ctxkey.RequestId, id)
		c.Header(ctxkey.RequestId, id)
		c.Next()
	}
}
