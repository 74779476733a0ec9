package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/relay/apiformat"
)

// DetectFormat resolves the inbound endpoint signature, auth method, and
// credential once so downstream handlers share one detection result.
func DetectFormat() gin.HandlerFunc {
	return func(c *gin.Context) {
		fmtCtx := apiformat.DetectRequestContext(c.Request.URL.Path, c.Request.Header, c.Request.URL.Query())
		c.Set(ctxkey.RequestContext, fmtCtx)
		c.Next()
	}
}
