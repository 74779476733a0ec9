package router

import (
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/aetherlab/aether/middleware"
	"github.com/aetherlab/aether/relay/controller"
)

// SetRelayRouter mounts the OpenAI, Claude, and Gemini dialect surfaces. All
// of them share format detection and token auth; SSE routes must stay out of
// any compressing group.
func SetRelayRouter(server *gin.Engine) {
	relay := server.Group("")
	relay.Use(middleware.RelayPanicRecover(), middleware.DetectFormat(), middleware.TokenAuth())

	// OpenAI chat and responses surfaces.
	relay.POST("/v1/chat/completions", controller.RelayChat)
	relay.POST("/v1/responses", controller.RelayChat)

	// Claude messages surface (console keys and CLI OAuth tokens).
	relay.POST("/v1/messages", controller.RelayChat)

	// Gemini surface; one wildcard covers generateContent,
	// streamGenerateContent, and predictLongRunning.
	relay.POST("/v1beta/models/*model", geminiModelDispatch)

	// Video task management. Status and listing responses compress well;
	// the content proxy streams raw bytes and must not.
	videos := relay.Group("/v1/videos")
	videos.POST("", controller.SubmitVideo)
	videos.POST("/:id/cancel", controller.CancelVideo)
	videos.GET("/:id/content", controller.DownloadVideo)

	videoQueries := videos.Group("", gzip.Gzip(gzip.DefaultCompression))
	videoQueries.GET("", controller.ListVideos)
	videoQueries.GET("/:id", controller.GetVideo)

	operations := relay.Group("/v1beta/operations", gzip.Gzip(gzip.DefaultCompression))
	operations.GET("/*operation", controller.GetVideo)
}

// geminiModelDispatch routes a /v1beta/models/{model}:{verb} call to the
// right handler based on the verb.
func geminiModelDispatch(c *gin.Context) {
	if strings.Contains(c.Param("model"), ":predictLongRunning") {
		controller.SubmitVideo(c)
		return
	}
	controller.RelayChat(c)
}
