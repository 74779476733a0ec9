package middleware

import (
	"net/http"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/aetherlab/aether/common/ctxkey"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/apiformat"
)

// TokenAuth authenticates the client credential regardless of which dialect
// carried it (bearer, x-api-key, x-goog-api-key, or ?key=) and stamps the
// resolved identity onto the context.
func TokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, _ := apiformat.ExtractClientCredential(c.Request.Header, c.Request.URL.Query())
		apiKey, err := model.ValidateApiKey(credential)
		if err != nil {
			logger.Logger.Debug("auth rejected",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err))
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(ctxkey.UserId, apiKey.UserId)
		c.Set(ctxkey.ApiKeyId, apiKey.Id)
		c.Next()
	}
}

// abortUnauthorized answers 401 in the dialect the route speaks, detected
// from the path alone since the credential itself failed.
func abortUnauthorized(c *gin.Context, message string) {
	fmtCtx := apiformat.DetectRequestContext(c.Request.URL.Path, c.Request.Header, c.Request.URL.Query())
	switch fmtCtx.Endpoint.Family {
	case apiformat.FamilyClaude:
		c.JSON(http.StatusUnauthorized, gin.H{
			"type":  "error",
			"error": gin.H{"type": "authentication_error", "message": message},
		})
	case apiformat.FamilyGemini:
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": 401, "message": message, "status": "UNAUTHENTICATED"},
		})
	default:
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": message, "type": "authentication_error", "code": 401},
		})
	}
	c.Abort()
}
